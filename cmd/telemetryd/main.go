package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/optimus/telemetry/internal/alerter"
	"github.com/optimus/telemetry/internal/api"
	"github.com/optimus/telemetry/internal/config"
	"github.com/optimus/telemetry/internal/history"
	"github.com/optimus/telemetry/internal/hub"
	"github.com/optimus/telemetry/internal/logbuf"
	"github.com/optimus/telemetry/internal/metrics"
	"github.com/optimus/telemetry/internal/notifier"
	"github.com/optimus/telemetry/internal/pipeline"
	"github.com/optimus/telemetry/internal/source"
	"github.com/optimus/telemetry/internal/version"
	"github.com/rs/zerolog"
)

// sampleSource is what the pipeline consumes and main drives
type sampleSource interface {
	pipeline.Source
	Run(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "/config/telemetry.yaml", "Path to service configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logBuffer := logbuf.New(logbuf.DefaultSize)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	logger := zerolog.New(io.MultiWriter(os.Stdout, logBuffer)).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	logger.Info().Msg("Starting telemetry service")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	logger.Info().
		Str("source", cfg.Source.Type).
		Int("rule_count", len(cfg.Rules)).
		Int("buffer_capacity", cfg.Pipeline.BufferCapacity).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewProm()

	flap := alerter.NewFlapDetector(logger, cfg.Alerts.FlapThreshold, cfg.Alerts.FlapWindow.Seconds())
	engine := alerter.NewEngine(logger, alerter.WithFlapDetector(flap))
	if err := engine.UpdateRules(cfg.Rules); err != nil {
		logger.Fatal().Err(err).Msg("Failed to install alert rules")
	}

	policy, _ := hub.ParseOverflowPolicy(cfg.Pipeline.OverflowPolicy)
	fanout := hub.New(logger,
		hub.WithQueueLen(cfg.Pipeline.SubscriberQueue),
		hub.WithOverflowPolicy(policy),
		hub.WithDropHook(prom.MessageDropped),
	)

	alertNotifier := notifier.NewNotifier(cfg.Alerts, os.Getenv("APPRISE_API_URL"), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		alertNotifier.Run(ctx)
	}()

	p := pipeline.New(history.New(cfg.Pipeline.BufferCapacity), engine, fanout, logger,
		pipeline.WithRecorder(prom),
		pipeline.WithAlertSink(alertNotifier),
		pipeline.WithBacklogSize(cfg.Pipeline.BacklogSize),
	)

	src, health, err := newSource(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create sample source")
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := src.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Sample source stopped")
		}
	}()
	go func() {
		defer wg.Done()
		p.Run(ctx, src)
	}()

	apiServer := api.NewServer(p, prom, logger, cfg.Server.Port)
	apiServer.SetCORSOrigins(cfg.Server.CORSOrigins)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetSourceHealth(health)
	apiServer.SetReloadFunc(func() (*config.Config, error) {
		logger.Info().Str("config_path", *configPath).Msg("Reloading configuration")
		return loadConfig(*configPath)
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("Telemetry service running, press Ctrl+C to stop")

	<-sigChan
	logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	cancel()
	p.Close()
	wg.Wait()
	logger.Info().Msg("Telemetry service stopped")
}

// loadConfig reads the config file, falling back to built-in defaults
// when it does not exist
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newSource builds the configured sample source and its health reporter
func newSource(cfg *config.Config, logger zerolog.Logger) (sampleSource, api.HealthFunc, error) {
	switch cfg.Source.Type {
	case config.SourceGNMI:
		g := cfg.Source.GNMI
		password := os.Getenv("GNMI_PASSWORD")
		if g.PasswordEnv != "" {
			password = os.Getenv(g.PasswordEnv)
		}
		src, err := source.NewGNMISource(source.GNMIOptions{
			Address:        g.Address,
			Port:           g.Port,
			Username:       g.Username,
			Password:       password,
			RobotID:        cfg.Source.RobotID,
			Path:           g.Path,
			SampleInterval: g.SampleInterval,
			TLS: &source.TLSConfig{
				Enabled:            g.TLS.Enabled,
				InsecureSkipVerify: g.TLS.InsecureSkipVerify,
				ServerName:         g.TLS.ServerName,
				CAFile:             g.TLS.CAFile,
				CertFile:           g.TLS.CertFile,
				KeyFile:            g.TLS.KeyFile,
			},
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() interface{} { return src.Health() }, nil
	default:
		sim := source.NewSimulator(cfg.Source.RobotID, cfg.Source.Interval, logger)
		return sim, func() interface{} {
			return map[string]interface{}{"type": config.SourceSimulator, "robot_id": cfg.Source.RobotID}
		}, nil
	}
}
