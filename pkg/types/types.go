package types

import (
	"time"
)

// Device is the wire representation of a sensor device as exposed by
// the /api/devices endpoint and consumed by the map dashboard.
type Device struct {
	DeviceURN   string     `json:"device_urn"`
	DeviceID    int        `json:"device_id"`
	DeviceClass string     `json:"device_class,omitempty"`
	Latitude    *float64   `json:"latitude"`
	Longitude   *float64   `json:"longitude"`
	LastReading *float64   `json:"last_reading"`
	LastSeen    *time.Time `json:"last_seen"`
	Location    string     `json:"location,omitempty"`
	Hidden      bool       `json:"hidden,omitempty"`
}

// Measurement holds the sensor channel values captured at a single
// point in time. Channels that were not reported are null.
type Measurement struct {
	WhenCaptured time.Time `json:"when_captured"`
	LND7318U     *float64  `json:"lnd_7318u"`
	LND7128EC    *float64  `json:"lnd_7128ec,omitempty"`
}

// AlertConfig is the per-device alerting configuration managed via the
// admin endpoints. Cooldown is expressed in seconds.
type AlertConfig struct {
	DeviceURN    string     `json:"device_urn"`
	Enabled      bool       `json:"enabled"`
	ThresholdCPM float64    `json:"threshold_cpm"`
	Email        string     `json:"email,omitempty"`
	EmailEnabled bool       `json:"email_enabled"`
	Phone        string     `json:"phone,omitempty"`
	SMSEnabled   bool       `json:"sms_enabled"`
	Cooldown     int        `json:"cooldown_seconds"`
	LastSent     *time.Time `json:"last_alert_sent,omitempty"`
}

const (
	FetchStatusOK             = "ok"
	FetchStatusTransientError = "transient-error"
	FetchStatusPermanentError = "permanent-error"
)

// FetchStatus describes the outcome of the most recent upstream fetch
// for a device, together with a cached copy of the raw upstream record.
type FetchStatus struct {
	DeviceURN   string    `json:"device_urn"`
	Status      string    `json:"status"`
	LastFetched time.Time `json:"last_fetched"`
	LastError   string    `json:"last_error,omitempty"`
	Snapshot    string    `json:"snapshot,omitempty"`
}
