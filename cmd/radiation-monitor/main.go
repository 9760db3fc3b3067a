package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/diwise/radiation-monitor/internal/pkg/application"
	"github.com/diwise/radiation-monitor/internal/pkg/application/alarms"
	"github.com/diwise/radiation-monitor/internal/pkg/application/devicemanagement"
	"github.com/diwise/radiation-monitor/internal/pkg/application/events"
	"github.com/diwise/radiation-monitor/internal/pkg/application/fetcher"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/router"
	"github.com/diwise/radiation-monitor/internal/pkg/presentation/api"
	"github.com/diwise/radiation-monitor/pkg/client"
)

const serviceName string = "radiation-monitor"

func main() {
	serviceVersion := version()

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	configFilePath := flag.String("config", "/opt/diwise/config/radiation-monitor.yaml", "path to the configuration file")
	flag.Parse()

	cfg := loadConfigurationOrDie(logger, *configFilePath)

	connector := database.NewSQLiteConnector(logger)
	if os.Getenv("POSTGRES_HOST") != "" {
		connector = database.NewPostgreSQLConnector(logger)
	}

	db, err := database.Connect(connector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, mux := initialize(ctx, logger, cfg, db)

	f.Start(ctx)
	defer f.Stop(ctx)

	apiPort := env("SERVICE_PORT", "8080")
	listenAddress := env("LISTEN_ADDRESS", "0.0.0.0")

	server := &http.Server{
		Addr:    listenAddress + ":" + apiPort,
		Handler: mux,
	}

	go func() {
		logger.Info().Msgf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start request router")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down ...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func initialize(ctx context.Context, logger zerolog.Logger, cfg *application.Config, db *gorm.DB) (fetcher.Fetcher, *chi.Mux) {
	measurements := database.NewMeasurementRepository(db)
	fetchStatus := database.NewFetchStatusRepository(db)
	devices := devicemanagement.New(database.NewDeviceRepository(db))

	for _, deviceURN := range cfg.Devices {
		if err := devices.RegisterDevice(ctx, deviceURN); err != nil {
			logger.Error().Err(err).Msgf("failed to register configured device %s", deviceURN)
		}
	}

	sender := events.New(cfg.Notifications)

	alarmSvc := alarms.New(
		database.NewAlertRepository(db),
		measurements,
		newNotifier(cfg),
		sender,
	)

	upstream := client.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())

	f := fetcher.New(fetcher.Config{
		Interval:      cfg.Sync.Interval(),
		WindowDays:    cfg.Sync.WindowDays,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		RetentionDays: cfg.Retention.MaxDays,
		DeviceURNs:    cfg.Devices,
	}, upstream, devices, measurements, fetchStatus, alarmSvc, sender)

	mux := api.RegisterHandlers(logger, router.New(serviceName), api.Config{
		MaxQueryDays:       cfg.Retention.MaxDays,
		ExternalHistoryURL: cfg.Dashboard.ExternalHistoryURL,
	}, devices, measurements, alarmSvc, f)

	return f, mux
}

func loadConfigurationOrDie(logger zerolog.Logger, filePath string) *application.Config {
	configFile, err := os.Open(filePath)
	if err != nil {
		logger.Warn().Err(err).Msg("no configuration file found, starting with defaults")
		cfg, _ := application.LoadConfiguration(strings.NewReader(""))
		return cfg
	}
	defer configFile.Close()

	cfg, err := application.LoadConfiguration(configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration file")
	}

	return cfg
}

func newNotifier(cfg *application.Config) alarms.Notifier {
	email := cfg.Alerting.Email
	sms := cfg.Alerting.SMS

	// secrets are injected via the environment, never the config file
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		email.Password = password
	}
	if password := os.Getenv("SMS_PASSWORD"); password != "" {
		sms.Password = password
	}

	if email.Server == "" && sms.Endpoint == "" {
		return alarms.NewNoopNotifier()
	}

	return alarms.NewNotifier(
		alarms.EmailSettings{
			Server:   email.Server,
			Port:     email.Port,
			Username: email.Username,
			Password: email.Password,
			From:     email.From,
		},
		alarms.SMSSettings{
			Endpoint: sms.Endpoint,
			Username: sms.Username,
			Password: sms.Password,
			From:     sms.From,
		},
	)
}

func env(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	infoMap := map[string]string{}
	for _, s := range buildInfo.Settings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}
