package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
)

//go:generate moq -rm -out client_mock.go . SafecastClient

// SafecastClient reads device and measurement data from the Safecast
// tt service. Every call results in a fresh upstream request.
type SafecastClient interface {
	GetDevices(ctx context.Context) ([]DeviceRecord, error)
	GetMeasurements(ctx context.Context, deviceURN string, days int) ([]MeasurementRecord, error)
}

// DeviceRecord is the upstream representation of a device, as returned
// by the roster endpoint. Location fields are pointers since degraded
// responses omit them.
type DeviceRecord struct {
	DeviceURN   string   `json:"device_urn"`
	DeviceID    int      `json:"device"`
	DeviceClass string   `json:"device_class"`
	Latitude    *float64 `json:"loc_lat"`
	Longitude   *float64 `json:"loc_lon"`
	LocName     string   `json:"loc_name"`
	LastSeen    string   `json:"when_captured"`
}

type MeasurementRecord struct {
	DeviceURN    string   `json:"device_urn"`
	WhenCaptured string   `json:"when_captured"`
	LND7318U     *float64 `json:"lnd_7318u"`
	LND7128EC    *float64 `json:"lnd_7128ec"`
	Latitude     *float64 `json:"loc_lat"`
	Longitude    *float64 `json:"loc_lon"`
}

// CapturedAt parses the upstream timestamp. Safecast reports RFC3339
// in UTC.
func (m MeasurementRecord) CapturedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, m.WhenCaptured)
}

// TransientError marks a failure that is worth retrying on the next
// cycle: transport errors and upstream 5xx responses.
type TransientError struct {
	err error
}

func NewTransientError(err error) TransientError {
	return TransientError{err: err}
}

func (e TransientError) Error() string { return e.err.Error() }
func (e TransientError) Unwrap() error { return e.err }

// PermanentError marks a failure that will not resolve by itself, such
// as an unknown device or a malformed response.
type PermanentError struct {
	err error
}

func NewPermanentError(err error) PermanentError {
	return PermanentError{err: err}
}

func (e PermanentError) Error() string { return e.err.Error() }
func (e PermanentError) Unwrap() error { return e.err }

func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

type safecastClient struct {
	httpClient *resty.Client
}

func New(baseURL string, timeout time.Duration) SafecastClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetTransport(otelhttp.NewTransport(http.DefaultTransport))

	return &safecastClient{
		httpClient: c,
	}
}

func (c *safecastClient) GetDevices(ctx context.Context) ([]DeviceRecord, error) {
	log := logging.GetFromContext(ctx)

	var roster []DeviceRecord

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&roster).
		Get("/devices")

	if err != nil {
		return nil, classifyRequestError(fmt.Errorf("failed to fetch device roster: %w", err))
	}

	if err := classifyStatus(resp.StatusCode()); err != nil {
		return nil, err
	}

	log.Debug().Msgf("upstream roster contains %d devices", len(roster))

	return roster, nil
}

func (c *safecastClient) GetMeasurements(ctx context.Context, deviceURN string, days int) ([]MeasurementRecord, error) {
	var records []MeasurementRecord

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("deviceURN", deviceURN).
		SetQueryParam("days", fmt.Sprintf("%d", days)).
		SetResult(&records).
		Get("/devices/{deviceURN}/measurements")

	if err != nil {
		return nil, classifyRequestError(fmt.Errorf("failed to fetch measurements for %s: %w", deviceURN, err))
	}

	if err := classifyStatus(resp.StatusCode()); err != nil {
		return nil, err
	}

	return records, nil
}

// classifyRequestError separates failures to reach upstream from
// failures to decode what it sent back. Transport errors come wrapped
// in a url.Error and are worth retrying; a response body that does not
// unmarshal will not fix itself on the next cycle.
func classifyRequestError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return TransientError{err}
	}
	return PermanentError{err}
}

func classifyStatus(code int) error {
	if code >= http.StatusInternalServerError {
		return TransientError{fmt.Errorf("upstream returned status code %d", code)}
	}

	if code >= http.StatusBadRequest {
		return PermanentError{fmt.Errorf("upstream rejected request with status code %d", code)}
	}

	return nil
}
