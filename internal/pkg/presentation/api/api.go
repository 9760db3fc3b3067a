package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/radiation-monitor/internal/pkg/application/alarms"
	"github.com/diwise/radiation-monitor/internal/pkg/application/devicemanagement"
	"github.com/diwise/radiation-monitor/internal/pkg/application/fetcher"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/pkg/types"
)

var tracer = otel.Tracer("radiation-monitor/api")

// Config carries the presentation level settings: how far back the
// measurement endpoint may reach and the template for linking out to
// the full upstream history of a device.
type Config struct {
	MaxQueryDays       int
	ExternalHistoryURL string
}

func RegisterHandlers(log zerolog.Logger, router *chi.Mux, cfg Config, devices devicemanagement.DeviceManagement, measurements database.MeasurementRepository, alarmSvc alarms.AlarmService, f fetcher.Fetcher) *chi.Mux {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Route("/api", func(r chi.Router) {
		r.Get("/devices", queryDevicesHandler(log, devices))

		r.Get("/measurements", queryMeasurementsHandler(log, cfg, devices, measurements))
		r.Get("/measurements/{deviceURN}", queryMeasurementsHandler(log, cfg, devices, measurements))

		r.Post("/fetch-data", triggerFetchHandler(log, f))
		r.Get("/fetch-device-data", triggerFetchHandler(log, f))

		r.Route("/admin/devices", func(r chi.Router) {
			r.Post("/", registerDeviceHandler(log, devices))
			r.Delete("/{deviceURN}", removeDeviceHandler(log, devices))
			r.Post("/{deviceURN}/restore", restoreDeviceHandler(log, devices))

			r.Get("/{deviceURN}/alerts", getAlertConfigHandler(log, alarmSvc))
			r.Put("/{deviceURN}/alerts", putAlertConfigHandler(log, alarmSvc))
			r.Post("/{deviceURN}/alerts/test", testAlertHandler(log, alarmSvc))
		})
	})

	return router
}

func queryDevicesHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "query-devices")
		defer span.End()

		includeHidden := r.URL.Query().Get("include_hidden") == "true"

		devices, err := svc.GetDevices(ctx, includeHidden)
		if err != nil {
			log.Error().Err(err).Msg("unable to fetch devices")
			writeError(w, http.StatusInternalServerError, "unable to fetch devices")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Devices []types.Device `json:"devices"`
		}{Devices: devices})
	}
}

func queryMeasurementsHandler(log zerolog.Logger, cfg Config, devices devicemanagement.DeviceManagement, measurements database.MeasurementRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "query-measurements")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")
		if deviceURN == "" {
			deviceURN = r.URL.Query().Get("device_urn")
		}

		if deviceURN == "" {
			writeError(w, http.StatusBadRequest, "device_urn is required")
			return
		}

		if _, err := devices.GetDeviceByURN(ctx, deviceURN); err != nil {
			if errors.Is(err, devicemanagement.ErrDeviceNotFound) {
				writeError(w, http.StatusNotFound, "unknown device "+deviceURN)
				return
			}
			log.Error().Err(err).Msg("unable to look up device")
			writeError(w, http.StatusInternalServerError, "unable to look up device")
			return
		}

		days := clampDays(r.URL.Query().Get("days"), cfg.MaxQueryDays)

		stored, err := measurements.Query(ctx, deviceURN, days)
		if err != nil {
			log.Error().Err(err).Msgf("unable to fetch measurements for %s", deviceURN)
			writeError(w, http.StatusInternalServerError, "unable to fetch measurements")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			DeviceURN          string              `json:"device_urn"`
			Measurements       []types.Measurement `json:"measurements"`
			MaxDays            int                 `json:"max_days"`
			ExternalHistoryURL string              `json:"external_history_url,omitempty"`
		}{
			DeviceURN:          deviceURN,
			Measurements:       toMeasurementModels(stored),
			MaxDays:            cfg.MaxQueryDays,
			ExternalHistoryURL: externalHistoryURL(cfg.ExternalHistoryURL, deviceURN),
		})
	}
}

func triggerFetchHandler(log zerolog.Logger, f fetcher.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "trigger-fetch")
		defer span.End()

		status := "triggered"
		if !f.Trigger(ctx) {
			status = "already running"
		}

		log.Info().Msgf("fetch trigger requested: %s", status)

		writeJSON(w, http.StatusAccepted, struct {
			Status string `json:"status"`
		}{Status: status})
	}
}

func registerDeviceHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "register-device")
		defer span.End()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		var reg struct {
			DeviceURN string `json:"device_urn"`
		}

		if err := json.Unmarshal(body, &reg); err != nil || reg.DeviceURN == "" {
			writeError(w, http.StatusBadRequest, "a device_urn is required")
			return
		}

		if err := svc.RegisterDevice(ctx, reg.DeviceURN); err != nil {
			log.Error().Err(err).Msgf("unable to register device %s", reg.DeviceURN)
			writeError(w, http.StatusInternalServerError, "unable to register device")
			return
		}

		writeJSON(w, http.StatusCreated, struct {
			DeviceURN string `json:"device_urn"`
		}{DeviceURN: reg.DeviceURN})
	}
}

func removeDeviceHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "remove-device")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")

		err := svc.RemoveDevice(ctx, deviceURN)
		if errors.Is(err, devicemanagement.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "unknown device "+deviceURN)
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("unable to remove device %s", deviceURN)
			writeError(w, http.StatusInternalServerError, "unable to remove device")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func restoreDeviceHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "restore-device")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")

		err := svc.RestoreDevice(ctx, deviceURN)
		if errors.Is(err, devicemanagement.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "unknown device "+deviceURN)
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("unable to restore device %s", deviceURN)
			writeError(w, http.StatusInternalServerError, "unable to restore device")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func getAlertConfigHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "get-alert-config")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")

		config, err := svc.GetConfig(ctx, deviceURN)
		if errors.Is(err, alarms.ErrAlertConfigNotFound) {
			writeError(w, http.StatusNotFound, "no alert configuration for device "+deviceURN)
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("unable to fetch alert configuration for %s", deviceURN)
			writeError(w, http.StatusInternalServerError, "unable to fetch alert configuration")
			return
		}

		writeJSON(w, http.StatusOK, config)
	}
}

func putAlertConfigHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "put-alert-config")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		var config types.AlertConfig
		if err := json.Unmarshal(body, &config); err != nil {
			writeError(w, http.StatusBadRequest, "malformed alert configuration")
			return
		}

		if config.ThresholdCPM <= 0 {
			writeError(w, http.StatusBadRequest, "threshold_cpm must be positive")
			return
		}

		config.DeviceURN = deviceURN

		if err := svc.SetConfig(ctx, config); err != nil {
			log.Error().Err(err).Msgf("unable to store alert configuration for %s", deviceURN)
			writeError(w, http.StatusInternalServerError, "unable to store alert configuration")
			return
		}

		writeJSON(w, http.StatusOK, config)
	}
}

func testAlertHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "test-alert")
		defer span.End()

		deviceURN := chi.URLParam(r, "deviceURN")

		var override *types.AlertConfig

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		if len(body) > 0 {
			override = &types.AlertConfig{}
			if err := json.Unmarshal(body, override); err != nil {
				writeError(w, http.StatusBadRequest, "malformed alert configuration")
				return
			}
		}

		err = svc.SendTestAlert(ctx, deviceURN, override)
		if errors.Is(err, alarms.ErrNoChannelConfigured) || errors.Is(err, alarms.ErrAlertConfigNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("test alert failed for %s", deviceURN)
			writeError(w, http.StatusBadGateway, "test alert could not be delivered")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{Status: "sent"})
	}
}

const defaultQueryDays = 7

func clampDays(param string, maxDays int) int {
	if param == "" {
		if defaultQueryDays > maxDays {
			return maxDays
		}
		return defaultQueryDays
	}

	days, err := strconv.Atoi(param)
	if err != nil || days < 1 {
		return 1
	}
	if days > maxDays {
		return maxDays
	}
	return days
}

func externalHistoryURL(template, deviceURN string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{device_urn}", deviceURN)
}

func toMeasurementModels(stored []database.Measurement) []types.Measurement {
	measurements := make([]types.Measurement, 0, len(stored))
	for _, m := range stored {
		measurements = append(measurements, types.Measurement{
			WhenCaptured: m.WhenCaptured,
			LND7318U:     m.LND7318U,
			LND7128EC:    m.LND7128EC,
		})
	}
	return measurements
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, struct {
		Error string `json:"error"`
	}{Error: message})
}
