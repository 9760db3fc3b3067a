package application

import (
	"fmt"
	"io"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/diwise/radiation-monitor/internal/pkg/application/events"
)

type UpstreamConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

type SyncConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
	WindowDays      int `yaml:"windowDays"`
	MaxConcurrent   int `yaml:"maxConcurrent"`
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type RetentionConfig struct {
	MaxDays int `yaml:"maxDays"`
}

type DashboardConfig struct {
	// ExternalHistoryURL may contain a {device_urn} placeholder.
	ExternalHistoryURL string `yaml:"externalHistoryUrl"`
}

type EmailConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type SMSConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type AlertingConfig struct {
	Email EmailConfig `yaml:"email"`
	SMS   SMSConfig   `yaml:"sms"`
}

type Config struct {
	Upstream      UpstreamConfig        `yaml:"upstream"`
	Devices       []string              `yaml:"devices"`
	Sync          SyncConfig            `yaml:"sync"`
	Retention     RetentionConfig       `yaml:"retention"`
	Dashboard     DashboardConfig       `yaml:"dashboard"`
	Alerting      AlertingConfig        `yaml:"alerting"`
	Notifications []events.Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://tt.safecast.org"
	}
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 30
	}
	if cfg.Sync.IntervalSeconds == 0 {
		cfg.Sync.IntervalSeconds = 300
	}
	if cfg.Sync.WindowDays == 0 {
		cfg.Sync.WindowDays = 1
	}
	if cfg.Sync.MaxConcurrent == 0 {
		cfg.Sync.MaxConcurrent = 4
	}
	if cfg.Retention.MaxDays == 0 {
		cfg.Retention.MaxDays = 30
	}

	return &cfg, nil
}
