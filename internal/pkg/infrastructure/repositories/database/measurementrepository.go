package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:generate moq -rm -out measurementrepository_mock.go . MeasurementRepository

type MeasurementRepository interface {
	// Add stores the given measurements and returns the number of rows
	// that were actually new. Re-ingesting an already stored
	// (device, when_captured) pair is a no-op.
	Add(ctx context.Context, measurements []Measurement) (int, error)
	Query(ctx context.Context, deviceURN string, sinceDays int) ([]Measurement, error)
	Latest(ctx context.Context, deviceURN string) (Measurement, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

var ErrNoMeasurements = errors.New("no measurements found")

type measurementRepository struct {
	db *gorm.DB
}

func NewMeasurementRepository(db *gorm.DB) MeasurementRepository {
	return &measurementRepository{db: db}
}

func (m *measurementRepository) Add(ctx context.Context, measurements []Measurement) (int, error) {
	if len(measurements) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for i := range measurements {
		measurements[i].IngestedAt = now
	}

	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_urn"}, {Name: "when_captured"}},
			DoNothing: true,
		}).
		Create(&measurements)

	return int(result.RowsAffected), result.Error
}

func (m *measurementRepository) Query(ctx context.Context, deviceURN string, sinceDays int) ([]Measurement, error) {
	var measurements []Measurement

	cutoff := time.Now().UTC().AddDate(0, 0, -sinceDays)

	result := m.db.WithContext(ctx).
		Where("device_urn = ? AND when_captured >= ?", deviceURN, cutoff).
		Order("when_captured asc").
		Find(&measurements)

	return measurements, result.Error
}

func (m *measurementRepository) Latest(ctx context.Context, deviceURN string) (Measurement, error) {
	var measurement Measurement

	result := m.db.WithContext(ctx).
		Where("device_urn = ?", deviceURN).
		Order("when_captured desc").
		First(&measurement)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Measurement{}, ErrNoMeasurements
		}
		return Measurement{}, result.Error
	}

	return measurement, nil
}

func (m *measurementRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := m.db.WithContext(ctx).
		Where("when_captured < ?", cutoff).
		Delete(&Measurement{})

	return result.RowsAffected, result.Error
}
