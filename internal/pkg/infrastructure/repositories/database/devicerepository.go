package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
)

//go:generate moq -rm -out devicerepository_mock.go . DeviceRepository

type DeviceRepository interface {
	GetDevices(ctx context.Context, includeHidden bool) ([]Device, error)
	GetDeviceByURN(ctx context.Context, deviceURN string) (Device, error)
	Save(ctx context.Context, device *Device) error
	SetHidden(ctx context.Context, deviceURN string, hidden bool) error
}

type deviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (d *deviceRepository) GetDevices(ctx context.Context, includeHidden bool) ([]Device, error) {
	var devices []Device

	query := d.db.WithContext(ctx)

	if !includeHidden {
		query = query.Where("hidden = ?", false)
	}

	result := query.Order("device_urn asc").Find(&devices)

	return devices, result.Error
}

func (d *deviceRepository) GetDeviceByURN(ctx context.Context, deviceURN string) (Device, error) {
	logger := logging.GetFromContext(ctx)

	var device = Device{}

	result := d.db.WithContext(ctx).
		Where(&Device{DeviceURN: deviceURN}).
		First(&device)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Device{}, ErrDeviceNotFound
		}

		logger.Error().Err(result.Error).Msg("gorm error")

		return Device{}, ErrRepositoryError
	}

	return device, nil
}

// Save inserts or updates a device by URN. Coordinates, location and
// last seen/reading values already on record are kept when the incoming
// device lacks them, so a degraded upstream response never erases a
// known geolocation.
func (d *deviceRepository) Save(ctx context.Context, device *Device) error {
	if device.ID == 0 {
		fromDb, err := d.GetDeviceByURN(ctx, device.DeviceURN)
		if err != nil {
			if !errors.Is(err, ErrDeviceNotFound) {
				return err
			}
		} else {
			device.ID = fromDb.ID
			device.CreatedAt = fromDb.CreatedAt
			device.Hidden = fromDb.Hidden
			mergeKnownValues(device, fromDb)
		}
	}

	return d.db.WithContext(ctx).Save(device).Error
}

func mergeKnownValues(device *Device, stored Device) {
	if device.Latitude == nil {
		device.Latitude = stored.Latitude
	}
	if device.Longitude == nil {
		device.Longitude = stored.Longitude
	}
	if device.Location == "" {
		device.Location = stored.Location
	}
	if device.LastReading == nil {
		device.LastReading = stored.LastReading
	}
	if stored.LastSeen != nil && (device.LastSeen == nil || stored.LastSeen.After(*device.LastSeen)) {
		device.LastSeen = stored.LastSeen
	}
	if device.DeviceClass == "" {
		device.DeviceClass = stored.DeviceClass
	}
	if device.DeviceID == 0 {
		device.DeviceID = stored.DeviceID
	}
}

func (d *deviceRepository) SetHidden(ctx context.Context, deviceURN string, hidden bool) error {
	device, err := d.GetDeviceByURN(ctx, deviceURN)
	if err != nil {
		return err
	}

	result := d.db.WithContext(ctx).
		Model(&device).
		Updates(map[string]any{"hidden": hidden, "updated_at": time.Now().UTC()})

	return result.Error
}
