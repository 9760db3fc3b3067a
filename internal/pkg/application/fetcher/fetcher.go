package fetcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/diwise/radiation-monitor/internal/pkg/application/alarms"
	"github.com/diwise/radiation-monitor/internal/pkg/application/devicemanagement"
	"github.com/diwise/radiation-monitor/internal/pkg/application/events"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/pkg/client"
	"github.com/diwise/radiation-monitor/pkg/types"
)

var tracer = otel.Tracer("radiation-monitor/fetcher")

//go:generate moq -rm -out fetcher_mock.go . Fetcher

// Fetcher runs the periodic device data synchronization: fetch from
// upstream, upsert devices and measurements, evaluate alerts, prune
// expired history.
type Fetcher interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)

	// Trigger starts an on demand sync in the background. It reports
	// false, without starting anything, if a run is already in flight.
	Trigger(ctx context.Context) bool
}

type Config struct {
	Interval      time.Duration
	WindowDays    int
	MaxConcurrent int
	RetentionDays int
	DeviceURNs    []string
}

type fetcherImpl struct {
	cfg Config

	upstream     client.SafecastClient
	devices      devicemanagement.DeviceManagement
	measurements database.MeasurementRepository
	fetchStatus  database.FetchStatusRepository
	alarms       alarms.AlarmService
	sender       events.EventSender

	running atomic.Bool
	done    chan bool
}

func New(cfg Config, upstream client.SafecastClient, devices devicemanagement.DeviceManagement, measurements database.MeasurementRepository, fetchStatus database.FetchStatusRepository, alarmSvc alarms.AlarmService, sender events.EventSender) Fetcher {
	return &fetcherImpl{
		cfg:          cfg,
		upstream:     upstream,
		devices:      devices,
		measurements: measurements,
		fetchStatus:  fetchStatus,
		alarms:       alarmSvc,
		sender:       sender,
		done:         make(chan bool),
	}
}

func (f *fetcherImpl) Start(ctx context.Context) {
	go f.backgroundWorker(ctx)
}

func (f *fetcherImpl) Stop(ctx context.Context) {
	f.done <- true
}

func (f *fetcherImpl) Trigger(ctx context.Context) bool {
	if !f.running.CompareAndSwap(false, true) {
		log := logging.GetFromContext(ctx)
		log.Info().Msg("sync already in progress, ignoring trigger")
		return false
	}

	// detach from the request context, the run outlives the request
	runCtx := logging.NewContextWithLogger(context.Background(), logging.GetFromContext(ctx))

	go func() {
		defer f.running.Store(false)
		f.run(runCtx)
	}()

	return true
}

func (f *fetcherImpl) backgroundWorker(ctx context.Context) {
	log := logging.GetFromContext(ctx)
	log.Info().Msgf("starting sync worker with an interval of %s", f.cfg.Interval)

	f.syncNow(ctx)

	for {
		select {
		case <-f.done:
			return
		case <-time.After(f.cfg.Interval):
			f.syncNow(ctx)
		}
	}
}

func (f *fetcherImpl) syncNow(ctx context.Context) bool {
	if !f.running.CompareAndSwap(false, true) {
		log := logging.GetFromContext(ctx)
		log.Info().Msg("sync already in progress, skipping this cycle")
		return false
	}
	defer f.running.Store(false)

	f.run(ctx)

	return true
}

type deviceResult struct {
	deviceURN string
	added     int
	err       error
}

func (f *fetcherImpl) run(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "sync-devices")
	defer span.End()

	log := logging.GetFromContext(ctx)

	urns := f.collectRoster(ctx)
	if len(urns) == 0 {
		log.Warn().Msg("no devices to sync")
		return
	}

	results := make([]deviceResult, len(urns))

	g := new(errgroup.Group)
	g.SetLimit(f.cfg.MaxConcurrent)

	for i, urn := range urns {
		i, urn := i, urn
		g.Go(func() error {
			// a failing device must not cancel its siblings
			results[i] = f.syncDevice(ctx, urn)
			return nil
		})
	}

	g.Wait()

	fresh := make([]string, 0, len(results))
	failed := 0

	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		if r.added > 0 {
			fresh = append(fresh, r.deviceURN)
		}
	}

	for _, urn := range fresh {
		err := f.sender.Send(ctx, events.DeviceUpdated, urn, time.Now().UTC(), struct {
			DeviceURN string `json:"device_urn"`
		}{DeviceURN: urn})
		if err != nil {
			log.Error().Err(err).Msgf("failed to publish device updated event for %s", urn)
		}
	}

	f.alarms.Evaluate(ctx, f.visibleOnly(ctx, fresh))

	cutoff := time.Now().UTC().AddDate(0, 0, -f.cfg.RetentionDays)
	pruned, err := f.measurements.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune expired measurements")
	}

	log.Info().Msgf("sync complete: %d devices, %d with fresh data, %d failed, %d measurements pruned",
		len(urns), len(fresh), failed, pruned)
}

// visibleOnly drops soft deleted devices from the given URNs. They
// keep collecting history but must never trigger an alert.
func (f *fetcherImpl) visibleOnly(ctx context.Context, urns []string) []string {
	visible, err := f.devices.GetDevices(ctx, false)
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msg("could not list visible devices, skipping alert evaluation this cycle")
		return nil
	}

	isVisible := make(map[string]bool, len(visible))
	for _, device := range visible {
		isVisible[device.DeviceURN] = true
	}

	filtered := make([]string, 0, len(urns))
	for _, urn := range urns {
		if isVisible[urn] {
			filtered = append(filtered, urn)
		}
	}

	return filtered
}

// collectRoster merges the configured device list, previously known
// devices and the devices currently reported by upstream. A roster
// fetch failure falls back to the known devices.
func (f *fetcherImpl) collectRoster(ctx context.Context) []string {
	log := logging.GetFromContext(ctx)

	seen := map[string]bool{}
	urns := make([]string, 0)

	add := func(urn string) {
		if urn != "" && !seen[urn] {
			seen[urn] = true
			urns = append(urns, urn)
		}
	}

	for _, urn := range f.cfg.DeviceURNs {
		add(urn)
	}

	known, err := f.devices.TrackedURNs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not list known devices")
	}
	for _, urn := range known {
		add(urn)
	}

	roster, err := f.upstream.GetDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not fetch upstream device roster")
	}

	for _, record := range roster {
		if err := f.devices.UpsertFromUpstream(ctx, record); err != nil {
			log.Error().Err(err).Msgf("could not upsert device %s", record.DeviceURN)
			continue
		}
		add(record.DeviceURN)
	}

	return urns
}

func (f *fetcherImpl) syncDevice(ctx context.Context, deviceURN string) deviceResult {
	log := logging.GetFromContext(ctx)

	records, err := f.upstream.GetMeasurements(ctx, deviceURN, f.cfg.WindowDays)
	if err != nil {
		status := types.FetchStatusTransientError
		if client.IsPermanent(err) {
			status = types.FetchStatusPermanentError
		}

		f.recordFetchStatus(ctx, deviceURN, status, err.Error(), nil)
		log.Error().Err(err).Msgf("skipping device %s for this cycle", deviceURN)

		return deviceResult{deviceURN: deviceURN, err: err}
	}

	batch, latest := toMeasurements(ctx, deviceURN, records)

	added, err := f.measurements.Add(ctx, batch)
	if err != nil {
		f.recordFetchStatus(ctx, deviceURN, types.FetchStatusTransientError, err.Error(), nil)
		log.Error().Err(err).Msgf("could not store measurements for device %s", deviceURN)

		return deviceResult{deviceURN: deviceURN, err: err}
	}

	if latest != nil {
		capturedAt, _ := latest.CapturedAt()
		err = f.devices.UpdateObservation(ctx, deviceURN, latest.LND7318U, capturedAt, latest.Latitude, latest.Longitude)
		if err != nil {
			log.Error().Err(err).Msgf("could not update last observation for device %s", deviceURN)
		}
	}

	f.recordFetchStatus(ctx, deviceURN, types.FetchStatusOK, "", latest)

	return deviceResult{deviceURN: deviceURN, added: added}
}

func toMeasurements(ctx context.Context, deviceURN string, records []client.MeasurementRecord) ([]database.Measurement, *client.MeasurementRecord) {
	log := logging.GetFromContext(ctx)

	batch := make([]database.Measurement, 0, len(records))

	var latest *client.MeasurementRecord
	var latestAt time.Time

	for i := range records {
		capturedAt, err := records[i].CapturedAt()
		if err != nil {
			log.Warn().Msgf("dropping measurement with unparseable timestamp %q for device %s", records[i].WhenCaptured, deviceURN)
			continue
		}

		batch = append(batch, database.Measurement{
			DeviceURN:    deviceURN,
			WhenCaptured: capturedAt.UTC(),
			LND7318U:     records[i].LND7318U,
			LND7128EC:    records[i].LND7128EC,
		})

		if latest == nil || capturedAt.After(latestAt) {
			latest = &records[i]
			latestAt = capturedAt
		}
	}

	return batch, latest
}

func (f *fetcherImpl) recordFetchStatus(ctx context.Context, deviceURN, status, errMsg string, latest *client.MeasurementRecord) {
	snapshot := ""
	if latest != nil {
		if b, err := json.Marshal(latest); err == nil {
			snapshot = string(b)
		}
	}

	err := f.fetchStatus.Update(ctx, database.FetchStatus{
		DeviceURN:   deviceURN,
		Status:      status,
		LastFetched: time.Now().UTC(),
		LastError:   errMsg,
		Snapshot:    snapshot,
	})
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msgf("could not record fetch status for device %s", deviceURN)
	}
}
