package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EcclahNdege/securewatch/pkg/api"
	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/enforce"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/logger"
	"github.com/EcclahNdege/securewatch/pkg/monitors/filewatch"
	"github.com/EcclahNdege/securewatch/pkg/monitors/netwatch"
	"github.com/EcclahNdege/securewatch/pkg/monitors/sampler"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/scheduler"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitLogger(cfg.LogLevel)

	log.Info().Msg("Securewatch daemon starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, DBPath=%s", cfg.LogLevel, cfg.APIPort, cfg.DBPath)

	st, err := store.Open(cfg.DBPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	bus := events.NewBus(log.Logger, cfg.Events.SubscriberQueueSize)

	backend := selectBackend()
	enforcer := enforce.NewController(cfg.Enforce, backend, st, bus, log.Logger)
	engine := policy.NewEngine(cfg.Network, st, enforcer, bus, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	cfg.Sampler.Interval = cfg.MonitorInterval("sampler", cfg.Sampler.Interval)

	smp := sampler.NewSampler(cfg.Sampler, engine, st, bus, log.Logger)
	defer smp.Stop()

	sched := scheduler.NewScheduler(st, bus, log.Logger)
	monitors := []scheduler.Monitor{
		smp,
		filewatch.NewWatcher(cfg.Files, engine, st, bus, log.Logger),
		netwatch.NewWatcher(cfg.Network, nil, engine, st, bus, log.Logger),
	}
	for _, m := range monitors {
		if !cfg.MonitorEnabled(m.Name()) {
			log.Info().Str("monitor", m.Name()).Msg("Monitor disabled by configuration")
			continue
		}
		sched.Register(m)
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := api.NewServer(cfg.APIPort, engine, smp, st, bus, log.Logger)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown did not finish cleanly")
	}

	log.Info().Msg("Securewatch daemon stopped.")
}

// selectBackend uses ufw when it is installed, otherwise an in-memory
// firewall so the daemon still observes and alerts on hosts without ufw.
func selectBackend() enforce.FirewallBackend {
	if _, err := exec.LookPath("ufw"); err == nil {
		return enforce.NewUFWBackend(log.Logger)
	}
	log.Warn().Msg("ufw not found, firewall enforcement runs in memory only")
	return enforce.NewMemoryBackend()
}
