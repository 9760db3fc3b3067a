package database

import (
	"time"

	"gorm.io/gorm"
)

type Device struct {
	gorm.Model
	DeviceURN   string `gorm:"unique;column:device_urn"`
	DeviceID    int    `gorm:"column:device_id"`
	DeviceClass string
	Latitude    *float64
	Longitude   *float64
	Location    string
	LastReading *float64
	LastSeen    *time.Time
	Hidden      bool
}

type Measurement struct {
	ID           uint      `gorm:"primarykey"`
	DeviceURN    string    `gorm:"column:device_urn;uniqueIndex:idx_measurements_device_captured"`
	WhenCaptured time.Time `gorm:"uniqueIndex:idx_measurements_device_captured"`
	LND7318U     *float64  `gorm:"column:lnd_7318u"`
	LND7128EC    *float64  `gorm:"column:lnd_7128ec"`
	IngestedAt   time.Time
}

type AlertConfig struct {
	gorm.Model
	DeviceURN    string `gorm:"unique;column:device_urn"`
	Enabled      bool
	ThresholdCPM float64 `gorm:"column:threshold_cpm"`
	Email        string
	EmailEnabled bool
	Phone        string
	SMSEnabled   bool `gorm:"column:sms_enabled"`
	Cooldown     int
	// LastAlertSent enforces the cooldown and is only written after a
	// dispatch actually went out.
	LastAlertSent *time.Time
}

type FetchStatus struct {
	DeviceURN   string `gorm:"primaryKey;column:device_urn"`
	Status      string
	LastFetched time.Time
	LastError   string
	Snapshot    string
}
