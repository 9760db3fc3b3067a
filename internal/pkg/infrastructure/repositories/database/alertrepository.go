package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:generate moq -rm -out alertrepository_mock.go . AlertRepository

type AlertRepository interface {
	GetConfig(ctx context.Context, deviceURN string) (AlertConfig, error)
	SaveConfig(ctx context.Context, config *AlertConfig) error
	RecordAlertSent(ctx context.Context, deviceURN string, sentAt time.Time) error
}

type alertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

func (a *alertRepository) GetConfig(ctx context.Context, deviceURN string) (AlertConfig, error) {
	var config AlertConfig

	result := a.db.WithContext(ctx).
		Where(&AlertConfig{DeviceURN: deviceURN}).
		First(&config)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return AlertConfig{}, ErrAlertConfigNotFound
		}
		return AlertConfig{}, result.Error
	}

	return config, nil
}

func (a *alertRepository) SaveConfig(ctx context.Context, config *AlertConfig) error {
	if config.ID == 0 {
		stored, err := a.GetConfig(ctx, config.DeviceURN)
		if err != nil {
			if !errors.Is(err, ErrAlertConfigNotFound) {
				return err
			}
		} else {
			config.ID = stored.ID
			config.CreatedAt = stored.CreatedAt
			// alert state survives config edits
			config.LastAlertSent = stored.LastAlertSent
		}
	}

	return a.db.WithContext(ctx).Save(config).Error
}

func (a *alertRepository) RecordAlertSent(ctx context.Context, deviceURN string, sentAt time.Time) error {
	result := a.db.WithContext(ctx).
		Model(&AlertConfig{}).
		Where("device_urn = ?", deviceURN).
		Update("last_alert_sent", sentAt)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAlertConfigNotFound
	}

	return nil
}

//go:generate moq -rm -out fetchstatusrepository_mock.go . FetchStatusRepository

type FetchStatusRepository interface {
	Update(ctx context.Context, status FetchStatus) error
	GetAll(ctx context.Context) ([]FetchStatus, error)
}

type fetchStatusRepository struct {
	db *gorm.DB
}

func NewFetchStatusRepository(db *gorm.DB) FetchStatusRepository {
	return &fetchStatusRepository{db: db}
}

func (f *fetchStatusRepository) Update(ctx context.Context, status FetchStatus) error {
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_urn"}},
		UpdateAll: true,
	}

	// a failed fetch must not erase the last successful snapshot
	if status.Snapshot == "" {
		onConflict.UpdateAll = false
		onConflict.DoUpdates = clause.AssignmentColumns([]string{"status", "last_fetched", "last_error"})
	}

	return f.db.WithContext(ctx).
		Clauses(onConflict).
		Create(&status).Error
}

func (f *fetchStatusRepository) GetAll(ctx context.Context) ([]FetchStatus, error) {
	var statuses []FetchStatus

	result := f.db.WithContext(ctx).Order("device_urn asc").Find(&statuses)

	return statuses, result.Error
}
