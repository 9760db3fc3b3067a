package devicemanagement

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/pkg/client"
	"github.com/diwise/radiation-monitor/pkg/types"
)

var ErrDeviceNotFound = database.ErrDeviceNotFound

//go:generate moq -rm -out devicemanagement_mock.go . DeviceManagement

type DeviceManagement interface {
	GetDevices(ctx context.Context, includeHidden bool) ([]types.Device, error)
	GetDeviceByURN(ctx context.Context, deviceURN string) (types.Device, error)

	RegisterDevice(ctx context.Context, deviceURN string) error
	RemoveDevice(ctx context.Context, deviceURN string) error
	RestoreDevice(ctx context.Context, deviceURN string) error

	// TrackedURNs returns every known device URN, hidden ones
	// included, since removed devices keep collecting history.
	TrackedURNs(ctx context.Context) ([]string, error)

	UpsertFromUpstream(ctx context.Context, record client.DeviceRecord) error
	UpdateObservation(ctx context.Context, deviceURN string, reading *float64, seenAt time.Time, lat, lon *float64) error
}

type deviceManagement struct {
	repository database.DeviceRepository
}

func New(repository database.DeviceRepository) DeviceManagement {
	return &deviceManagement{
		repository: repository,
	}
}

func (d *deviceManagement) GetDevices(ctx context.Context, includeHidden bool) ([]types.Device, error) {
	devices, err := d.repository.GetDevices(ctx, includeHidden)
	if err != nil {
		return nil, err
	}

	return lo.Map(devices, func(device database.Device, _ int) types.Device {
		return toModel(device)
	}), nil
}

func (d *deviceManagement) GetDeviceByURN(ctx context.Context, deviceURN string) (types.Device, error) {
	device, err := d.repository.GetDeviceByURN(ctx, deviceURN)
	if err != nil {
		return types.Device{}, err
	}

	return toModel(device), nil
}

func (d *deviceManagement) RegisterDevice(ctx context.Context, deviceURN string) error {
	_, err := d.repository.GetDeviceByURN(ctx, deviceURN)
	if err == nil {
		return nil
	}

	if !errors.Is(err, database.ErrDeviceNotFound) {
		return err
	}

	log := logging.GetFromContext(ctx)
	log.Info().Msgf("registering new device %s", deviceURN)

	return d.repository.Save(ctx, &database.Device{DeviceURN: deviceURN})
}

func (d *deviceManagement) RemoveDevice(ctx context.Context, deviceURN string) error {
	return d.repository.SetHidden(ctx, deviceURN, true)
}

func (d *deviceManagement) RestoreDevice(ctx context.Context, deviceURN string) error {
	return d.repository.SetHidden(ctx, deviceURN, false)
}

func (d *deviceManagement) TrackedURNs(ctx context.Context) ([]string, error) {
	devices, err := d.repository.GetDevices(ctx, true)
	if err != nil {
		return nil, err
	}

	return lo.Map(devices, func(device database.Device, _ int) string {
		return device.DeviceURN
	}), nil
}

func (d *deviceManagement) UpsertFromUpstream(ctx context.Context, record client.DeviceRecord) error {
	device := database.Device{
		DeviceURN:   record.DeviceURN,
		DeviceID:    record.DeviceID,
		DeviceClass: record.DeviceClass,
		Latitude:    record.Latitude,
		Longitude:   record.Longitude,
		Location:    record.LocName,
	}

	if record.LastSeen != "" {
		if seenAt, err := time.Parse(time.RFC3339, record.LastSeen); err == nil {
			seenAt = seenAt.UTC()
			device.LastSeen = &seenAt
		}
	}

	return d.repository.Save(ctx, &device)
}

func (d *deviceManagement) UpdateObservation(ctx context.Context, deviceURN string, reading *float64, seenAt time.Time, lat, lon *float64) error {
	seenAt = seenAt.UTC()

	return d.repository.Save(ctx, &database.Device{
		DeviceURN:   deviceURN,
		LastReading: reading,
		LastSeen:    &seenAt,
		Latitude:    lat,
		Longitude:   lon,
	})
}

func toModel(device database.Device) types.Device {
	return types.Device{
		DeviceURN:   device.DeviceURN,
		DeviceID:    device.DeviceID,
		DeviceClass: device.DeviceClass,
		Latitude:    device.Latitude,
		Longitude:   device.Longitude,
		LastReading: device.LastReading,
		LastSeen:    device.LastSeen,
		Location:    device.Location,
		Hidden:      device.Hidden,
	}
}
