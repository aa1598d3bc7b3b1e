package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/adapter/hikvision"
	"frankamera/camerad/internal/config"
	"frankamera/camerad/internal/dispatch"
	"frankamera/camerad/internal/httpapi"
	"frankamera/camerad/internal/journal"
	"frankamera/camerad/internal/metrics"
	"frankamera/camerad/internal/probe"
	"frankamera/camerad/internal/registry"
	"frankamera/camerad/internal/sdkguard"
)

func main() {
	configPath := envOr("CONFIG_PATH", "camerad.yaml")

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	cfg.ApplyEnv()

	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var j *journal.Journal
	if cfg.DatabaseURL != "" {
		pool, err := journal.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to journal database")
		}
		defer pool.Close()

		j = journal.New(logger, pool)
		if err := j.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare journal schema")
		}
	}

	hik := hikvision.New(logger, hikvision.Options{})
	adapters := map[string]adapter.Adapter{
		hikvision.Tag: hik,
	}

	// One SDK bracket for the process: first session initializes the
	// vendor stacks, last session tears them down.
	guard := sdkguard.New(
		func() error {
			if err := hik.SDKInit(); err != nil {
				return err
			}
			m.IncSDKInit()
			return nil
		},
		func() {
			hik.SDKCleanup()
			m.IncSDKCleanup()
		},
	)

	reg := registry.New(logger, adapters, guard, m, registry.Options{
		IdleTimeout:   cfg.IdleTimeout(),
		SweepInterval: cfg.SweepInterval(),
		QueueSize:     cfg.Sessions.QueueSize,
	})
	go reg.Run(ctx)

	disp := dispatch.New(logger, reg, cfg, m, j, dispatch.Policy{
		RetryLimit:  cfg.Dispatch.RetryLimit,
		BaseBackoff: cfg.BaseBackoff(),
		MaxBackoff:  cfg.MaxBackoff(),
		CallTimeout: cfg.CallTimeout(),
	})

	prober := probe.New(logger, probe.Options{
		DNSServer: envOr("DNS_SERVER", ""),
		Community: envOr("SNMP_COMMUNITY", ""),
	})

	h := httpapi.NewHandler(logger, cfg, disp, reg, m, j, prober)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Int("devices", len(cfg.Devices)).Msg("camerad listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reg.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
