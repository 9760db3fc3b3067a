package alarms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/radiation-monitor/internal/pkg/application/events"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/pkg/types"
)

var ErrAlertConfigNotFound = database.ErrAlertConfigNotFound
var ErrNoChannelConfigured = fmt.Errorf("no notification channel is configured for device")

//go:generate moq -rm -out alarmservice_mock.go . AlarmService

type AlarmService interface {
	// Evaluate checks the latest reading of each given device against
	// its alert configuration and dispatches notifications where the
	// threshold is met and the cooldown has elapsed.
	Evaluate(ctx context.Context, deviceURNs []string)

	// SendTestAlert bypasses threshold and cooldown checks and leaves
	// the alert state untouched. A non-nil override is used instead of
	// the saved configuration.
	SendTestAlert(ctx context.Context, deviceURN string, override *types.AlertConfig) error

	GetConfig(ctx context.Context, deviceURN string) (types.AlertConfig, error)
	SetConfig(ctx context.Context, config types.AlertConfig) error
}

type alarmSvc struct {
	configs      database.AlertRepository
	measurements database.MeasurementRepository
	notifier     Notifier
	sender       events.EventSender

	timeNow func() time.Time
}

func New(configs database.AlertRepository, measurements database.MeasurementRepository, notifier Notifier, sender events.EventSender) AlarmService {
	return &alarmSvc{
		configs:      configs,
		measurements: measurements,
		notifier:     notifier,
		sender:       sender,
		timeNow:      func() time.Time { return time.Now().UTC() },
	}
}

func (svc *alarmSvc) Evaluate(ctx context.Context, deviceURNs []string) {
	log := logging.GetFromContext(ctx)

	for _, deviceURN := range deviceURNs {
		err := svc.evaluateDevice(ctx, deviceURN)
		if err != nil {
			log.Error().Err(err).Msgf("alert evaluation failed for device %s", deviceURN)
		}
	}
}

func (svc *alarmSvc) evaluateDevice(ctx context.Context, deviceURN string) error {
	log := logging.GetFromContext(ctx)

	config, err := svc.configs.GetConfig(ctx, deviceURN)
	if err != nil {
		if errors.Is(err, database.ErrAlertConfigNotFound) {
			return nil
		}
		return err
	}

	if !config.Enabled {
		return nil
	}

	latest, err := svc.measurements.Latest(ctx, deviceURN)
	if err != nil {
		if errors.Is(err, database.ErrNoMeasurements) {
			return nil
		}
		return err
	}

	if latest.LND7318U == nil {
		return nil
	}

	reading := *latest.LND7318U
	if reading < config.ThresholdCPM {
		return nil
	}

	now := svc.timeNow()
	cooldown := time.Duration(config.Cooldown) * time.Second

	if config.LastAlertSent != nil && now.Sub(*config.LastAlertSent) < cooldown {
		log.Debug().Msgf("device %s is above threshold but within cooldown", deviceURN)
		return nil
	}

	delivered := svc.dispatch(ctx, config, reading, latest.WhenCaptured)
	if delivered == 0 {
		// leave the alert state untouched so the next cycle retries
		return fmt.Errorf("no notification could be delivered for device %s", deviceURN)
	}

	err = svc.configs.RecordAlertSent(ctx, deviceURN, now)
	if err != nil {
		return fmt.Errorf("failed to record alert state: %w", err)
	}

	err = svc.sender.Send(ctx, events.AlarmTriggered, deviceURN, now, alarmTriggeredEvent{
		DeviceURN:    deviceURN,
		Reading:      reading,
		ThresholdCPM: config.ThresholdCPM,
		ObservedAt:   latest.WhenCaptured,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to publish alarm event")
	}

	log.Info().Msgf("alert dispatched for device %s (%.1f cpm >= %.1f cpm)", deviceURN, reading, config.ThresholdCPM)

	return nil
}

func (svc *alarmSvc) dispatch(ctx context.Context, config database.AlertConfig, reading float64, capturedAt time.Time) int {
	log := logging.GetFromContext(ctx)

	subject := fmt.Sprintf("Radiation alert for %s", config.DeviceURN)
	body := fmt.Sprintf(
		"Device %s reported %.1f cpm at %s, at or above the configured threshold of %.1f cpm.",
		config.DeviceURN, reading, capturedAt.Format(time.RFC3339), config.ThresholdCPM,
	)

	delivered := 0

	if config.EmailEnabled && config.Email != "" {
		if err := svc.notifier.SendEmail(ctx, config.Email, subject, body); err != nil {
			log.Error().Err(err).Msgf("failed to send alert email for device %s", config.DeviceURN)
		} else {
			delivered++
		}
	}

	if config.SMSEnabled && config.Phone != "" {
		if err := svc.notifier.SendSMS(ctx, config.Phone, body); err != nil {
			log.Error().Err(err).Msgf("failed to send alert sms for device %s", config.DeviceURN)
		} else {
			delivered++
		}
	}

	return delivered
}

func (svc *alarmSvc) SendTestAlert(ctx context.Context, deviceURN string, override *types.AlertConfig) error {
	var config database.AlertConfig

	if override != nil {
		config = toRecord(*override)
		config.DeviceURN = deviceURN
	} else {
		stored, err := svc.configs.GetConfig(ctx, deviceURN)
		if err != nil {
			return err
		}
		config = stored
	}

	if (!config.EmailEnabled || config.Email == "") && (!config.SMSEnabled || config.Phone == "") {
		return ErrNoChannelConfigured
	}

	log := logging.GetFromContext(ctx)

	subject := fmt.Sprintf("Test alert for %s", deviceURN)
	body := fmt.Sprintf("This is a test alert for device %s. If you can read this, notifications are working.", deviceURN)

	delivered := 0

	if config.EmailEnabled && config.Email != "" {
		if err := svc.notifier.SendEmail(ctx, config.Email, subject, body); err != nil {
			log.Error().Err(err).Msg("test alert email failed")
		} else {
			delivered++
		}
	}

	if config.SMSEnabled && config.Phone != "" {
		if err := svc.notifier.SendSMS(ctx, config.Phone, body); err != nil {
			log.Error().Err(err).Msg("test alert sms failed")
		} else {
			delivered++
		}
	}

	if delivered == 0 {
		return fmt.Errorf("test alert could not be delivered for device %s", deviceURN)
	}

	return nil
}

func (svc *alarmSvc) GetConfig(ctx context.Context, deviceURN string) (types.AlertConfig, error) {
	config, err := svc.configs.GetConfig(ctx, deviceURN)
	if err != nil {
		return types.AlertConfig{}, err
	}

	return toModel(config), nil
}

func (svc *alarmSvc) SetConfig(ctx context.Context, config types.AlertConfig) error {
	record := toRecord(config)
	return svc.configs.SaveConfig(ctx, &record)
}

type alarmTriggeredEvent struct {
	DeviceURN    string    `json:"device_urn"`
	Reading      float64   `json:"reading"`
	ThresholdCPM float64   `json:"threshold_cpm"`
	ObservedAt   time.Time `json:"observed_at"`
}

func toModel(config database.AlertConfig) types.AlertConfig {
	return types.AlertConfig{
		DeviceURN:    config.DeviceURN,
		Enabled:      config.Enabled,
		ThresholdCPM: config.ThresholdCPM,
		Email:        config.Email,
		EmailEnabled: config.EmailEnabled,
		Phone:        config.Phone,
		SMSEnabled:   config.SMSEnabled,
		Cooldown:     config.Cooldown,
		LastSent:     config.LastAlertSent,
	}
}

func toRecord(config types.AlertConfig) database.AlertConfig {
	return database.AlertConfig{
		DeviceURN:    config.DeviceURN,
		Enabled:      config.Enabled,
		ThresholdCPM: config.ThresholdCPM,
		Email:        config.Email,
		EmailEnabled: config.EmailEnabled,
		Phone:        config.Phone,
		SMSEnabled:   config.SMSEnabled,
		Cooldown:     config.Cooldown,
	}
}
