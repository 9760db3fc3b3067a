package fetcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/diwise/radiation-monitor/internal/pkg/application/alarms"
	"github.com/diwise/radiation-monitor/internal/pkg/application/devicemanagement"
	"github.com/diwise/radiation-monitor/internal/pkg/application/events"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/pkg/client"
	"github.com/diwise/radiation-monitor/pkg/types"
)

func TestSyncStoresMeasurementsAndObservation(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	env.upstream.measurements[urn] = recordBatch(urn, time.Now().UTC().Add(-time.Hour), 4)
	env.fetcher.cfg.DeviceURNs = []string{urn}

	ok := env.fetcher.syncNow(context.Background())
	is.True(ok)

	stored, err := env.measurements.Query(context.Background(), urn, 1)
	is.NoErr(err)
	is.Equal(len(stored), 4)

	device, err := env.devices.GetDeviceByURN(context.Background(), urn)
	is.NoErr(err)
	is.True(device.LastReading != nil)
	is.Equal(*device.LastReading, 23.0) // latest of the batch

	statuses, err := env.fetchStatus.GetAll(context.Background())
	is.NoErr(err)
	is.Equal(statusOf(statuses, urn), types.FetchStatusOK)
}

func TestSyncIsIdempotent(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	env.upstream.measurements[urn] = recordBatch(urn, time.Now().UTC().Add(-time.Hour), 3)
	env.fetcher.cfg.DeviceURNs = []string{urn}

	env.fetcher.syncNow(context.Background())
	env.fetcher.syncNow(context.Background())

	stored, err := env.measurements.Query(context.Background(), urn, 1)
	is.NoErr(err)
	is.Equal(len(stored), 3)
}

func TestOverlappingTriggersAreSuppressed(t *testing.T) {
	is, env := testSetup(t)

	env.fetcher.running.Store(true)
	is.True(!env.fetcher.Trigger(context.Background()))
	is.True(!env.fetcher.syncNow(context.Background()))

	env.fetcher.running.Store(false)
	is.True(env.fetcher.syncNow(context.Background()))
}

func TestFailingDeviceDoesNotBlockSiblings(t *testing.T) {
	is, env := testSetup(t)
	failing, healthy := newURN(), newURN()

	env.upstream.errs[failing] = client.NewTransientError(fmt.Errorf("upstream returned status code 503"))
	env.upstream.measurements[healthy] = recordBatch(healthy, time.Now().UTC().Add(-time.Hour), 2)
	env.fetcher.cfg.DeviceURNs = []string{failing, healthy}

	env.fetcher.syncNow(context.Background())

	stored, err := env.measurements.Query(context.Background(), healthy, 1)
	is.NoErr(err)
	is.Equal(len(stored), 2)

	statuses, err := env.fetchStatus.GetAll(context.Background())
	is.NoErr(err)
	is.Equal(statusOf(statuses, failing), types.FetchStatusTransientError)
	is.Equal(statusOf(statuses, healthy), types.FetchStatusOK)
}

func TestPermanentErrorIsRecordedAsSuch(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	env.upstream.errs[urn] = client.NewPermanentError(fmt.Errorf("upstream rejected request with status code 404"))
	env.fetcher.cfg.DeviceURNs = []string{urn}

	env.fetcher.syncNow(context.Background())

	statuses, err := env.fetchStatus.GetAll(context.Background())
	is.NoErr(err)
	is.Equal(statusOf(statuses, urn), types.FetchStatusPermanentError)
}

func TestRosterDiscoversNewDevices(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	env.upstream.devices = []client.DeviceRecord{{DeviceURN: urn, DeviceClass: "geigiecast"}}
	env.upstream.measurements[urn] = recordBatch(urn, time.Now().UTC().Add(-time.Hour), 2)

	env.fetcher.syncNow(context.Background())

	device, err := env.devices.GetDeviceByURN(context.Background(), urn)
	is.NoErr(err)
	is.Equal(device.DeviceClass, "geigiecast")

	stored, err := env.measurements.Query(context.Background(), urn, 1)
	is.NoErr(err)
	is.Equal(len(stored), 2)
}

func TestRosterFailureFallsBackToKnownDevices(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	is.NoErr(env.devices.RegisterDevice(context.Background(), urn))
	env.upstream.rosterErr = client.NewTransientError(fmt.Errorf("connection refused"))
	env.upstream.measurements[urn] = recordBatch(urn, time.Now().UTC().Add(-time.Hour), 2)

	env.fetcher.syncNow(context.Background())

	stored, err := env.measurements.Query(context.Background(), urn, 1)
	is.NoErr(err)
	is.Equal(len(stored), 2)
}

func TestSoftDeletedDeviceDoesNotAlert(t *testing.T) {
	is, env := testSetup(t)
	removed, active := newURN(), newURN()

	for _, urn := range []string{removed, active} {
		is.NoErr(env.devices.RegisterDevice(context.Background(), urn))
		is.NoErr(env.alertConfigs.SaveConfig(context.Background(), &database.AlertConfig{
			DeviceURN:    urn,
			Enabled:      true,
			ThresholdCPM: 30,
			Email:        "ops@example.com",
			EmailEnabled: true,
			Cooldown:     3600,
		}))
		env.upstream.measurements[urn] = recordBatch(urn, time.Now().UTC().Add(-time.Hour), 1)
		cpm := 50.0
		env.upstream.measurements[urn][0].LND7318U = &cpm
	}

	is.NoErr(env.devices.RemoveDevice(context.Background(), removed))
	env.fetcher.cfg.DeviceURNs = []string{removed, active}

	env.fetcher.syncNow(context.Background())

	// only the active device may dispatch
	is.Equal(env.notifier.emails, 1)

	stored, err := env.measurements.Query(context.Background(), removed, 1)
	is.NoErr(err)
	is.Equal(len(stored), 1)
}

func TestSyncPrunesExpiredMeasurements(t *testing.T) {
	is, env := testSetup(t)
	urn := newURN()

	is.NoErr(env.devices.RegisterDevice(context.Background(), urn))
	_, err := env.measurements.Add(context.Background(), []database.Measurement{
		{DeviceURN: urn, WhenCaptured: time.Now().UTC().AddDate(0, 0, -45)},
	})
	is.NoErr(err)

	env.fetcher.syncNow(context.Background())

	stored, err := env.measurements.Query(context.Background(), urn, 60)
	is.NoErr(err)
	is.Equal(len(stored), 0)
}

type testEnv struct {
	fetcher      *fetcherImpl
	upstream     *fakeSafecast
	devices      devicemanagement.DeviceManagement
	measurements database.MeasurementRepository
	fetchStatus  database.FetchStatusRepository
	alertConfigs database.AlertRepository
	notifier     *countingNotifier
}

func testSetup(t *testing.T) (*is.I, *testEnv) {
	is := is.New(t)

	db, err := database.Connect(database.NewSQLiteConnector(zerolog.Logger{}))
	is.NoErr(err)

	upstream := &fakeSafecast{
		measurements: map[string][]client.MeasurementRecord{},
		errs:         map[string]error{},
	}

	measurements := database.NewMeasurementRepository(db)
	fetchStatus := database.NewFetchStatusRepository(db)
	devices := devicemanagement.New(database.NewDeviceRepository(db))
	sender := events.New(nil)
	notifier := &countingNotifier{}
	alertConfigs := database.NewAlertRepository(db)
	alarmSvc := alarms.New(alertConfigs, measurements, notifier, sender)

	cfg := Config{
		Interval:      5 * time.Minute,
		WindowDays:    1,
		MaxConcurrent: 2,
		RetentionDays: 30,
	}

	f := New(cfg, upstream, devices, measurements, fetchStatus, alarmSvc, sender)

	return is, &testEnv{
		fetcher:      f.(*fetcherImpl),
		upstream:     upstream,
		devices:      devices,
		measurements: measurements,
		fetchStatus:  fetchStatus,
		alertConfigs: alertConfigs,
		notifier:     notifier,
	}
}

type countingNotifier struct {
	emails int
	smses  int
}

func (n *countingNotifier) SendEmail(ctx context.Context, to, subject, body string) error {
	n.emails++
	return nil
}

func (n *countingNotifier) SendSMS(ctx context.Context, to, message string) error {
	n.smses++
	return nil
}

type fakeSafecast struct {
	devices      []client.DeviceRecord
	measurements map[string][]client.MeasurementRecord
	errs         map[string]error
	rosterErr    error
}

func (f *fakeSafecast) GetDevices(ctx context.Context) ([]client.DeviceRecord, error) {
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.devices, nil
}

func (f *fakeSafecast) GetMeasurements(ctx context.Context, deviceURN string, days int) ([]client.MeasurementRecord, error) {
	if err, ok := f.errs[deviceURN]; ok {
		return nil, err
	}
	return f.measurements[deviceURN], nil
}

func newURN() string {
	return "geigiecast:" + uuid.NewString()
}

func recordBatch(deviceURN string, start time.Time, count int) []client.MeasurementRecord {
	records := make([]client.MeasurementRecord, count)
	for i := range records {
		cpm := float64(20 + i)
		records[i] = client.MeasurementRecord{
			DeviceURN:    deviceURN,
			WhenCaptured: start.Add(time.Duration(i) * 5 * time.Minute).Format(time.RFC3339),
			LND7318U:     &cpm,
		}
	}
	return records
}

func statusOf(statuses []database.FetchStatus, deviceURN string) string {
	for _, s := range statuses {
		if s.DeviceURN == deviceURN {
			return s.Status
		}
	}
	return fmt.Sprintf("no status recorded for %s", deviceURN)
}
