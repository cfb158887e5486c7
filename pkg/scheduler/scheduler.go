// Package scheduler runs the daemon's watchers and the sampler as
// independent concurrent loops with graceful shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// Monitor is anything the scheduler can drive. Interval decides the mode: a
// positive interval means Run is invoked once per tick and is expected to
// return; a zero interval means Run is a continuous loop that blocks until
// its context is cancelled.
type Monitor interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context)
}

// Scheduler owns the monitor goroutines. Nothing a monitor does may crash
// the process: every execution is wrapped in a recover that converts a panic
// into a critical log entry and keeps the loop alive.
type Scheduler struct {
	monitors []Monitor
	store    *store.Store
	bus      *events.Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(st *store.Store, bus *events.Bus, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		bus:    bus,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a monitor. Must be called before Start.
func (s *Scheduler) Register(m Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors = append(s.monitors, m)
	s.logger.Info().Str("monitor", m.Name()).Msg("Monitor registered")
}

// Start launches every registered monitor.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, m := range s.monitors {
		s.wg.Add(1)
		go s.runMonitor(runCtx, m)
	}
	s.logger.Info().Int("count", len(s.monitors)).Msg("Scheduler started")
	return nil
}

// Stop cancels all monitors and waits for them to drain, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All monitors stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached before all monitors stopped")
	}
	s.running = false
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runMonitor(ctx context.Context, m Monitor) {
	defer s.wg.Done()
	logger := s.logger.With().Str("monitor", m.Name()).Logger()

	interval := m.Interval()
	if interval <= 0 {
		// Continuous monitor: restart after a panic until shutdown.
		for ctx.Err() == nil {
			s.execute(ctx, m, logger)
			if ctx.Err() == nil {
				logger.Warn().Msg("Continuous monitor returned early, restarting")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
			}
		}
		return
	}

	s.execute(ctx, m, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.execute(ctx, m, logger)
		case <-ctx.Done():
			logger.Info().Msg("Monitor received shutdown signal")
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, m Monitor, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Monitor panicked during execution")
			entry := &model.LogEntry{
				Level:    model.LogCritical,
				Category: model.CategorySystem,
				Message:  fmt.Sprintf("Monitor %s panicked", m.Name()),
				Details:  fmt.Sprint(r),
			}
			if err := s.store.CreateLog(entry); err != nil {
				logger.Error().Err(err).Msg("Failed to persist panic log entry")
				return
			}
			s.bus.Publish(events.TopicNewLog, entry)
		}
	}()
	m.Run(ctx)
}
