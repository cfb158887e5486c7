// Package sampler measures host resource metrics on a fixed cadence and
// turns threshold breaches into alerts.
package sampler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// probes are the metric sources, split out so tests can substitute failures
// and fixed readings.
type probes struct {
	cpu    func(ctx context.Context) (float64, error)
	mem    func() (float64, error)
	disk   func() (float64, error)
	conns  func(ctx context.Context) (int, error)
	uptime func() (time.Duration, error)
}

func defaultProbes() probes {
	return probes{
		cpu: func(ctx context.Context) (float64, error) {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu readings")
			}
			return percents[0], nil
		},
		mem: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		disk: func() (float64, error) {
			usage, err := disk.Usage("/")
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
		conns: func(ctx context.Context) (int, error) {
			conns, err := psnet.ConnectionsWithContext(ctx, "inet")
			if err != nil {
				return 0, err
			}
			return len(conns), nil
		},
		uptime: func() (time.Duration, error) {
			secs, err := host.Uptime()
			if err != nil {
				return 0, err
			}
			return time.Duration(secs) * time.Second, nil
		},
	}
}

// Sampler produces a SystemStatus snapshot per tick. A failing metric source
// never fails the whole sample: the last known good value is substituted and
// the snapshot is marked partial.
type Sampler struct {
	engine    *policy.Engine
	store     *store.Store
	bus       *events.Bus
	logger    zerolog.Logger
	interval  time.Duration
	threshold float64
	dedup     *events.Deduplicator
	probes    probes

	mu     sync.Mutex
	last   model.SystemStatus
	known  bool
	gapped bool
}

// NewSampler wires the resource sampler.
func NewSampler(cfg config.SamplerConfig, engine *policy.Engine, st *store.Store, bus *events.Bus, logger zerolog.Logger) *Sampler {
	return &Sampler{
		engine:    engine,
		store:     st,
		bus:       bus,
		logger:    logger.With().Str("component", "sampler").Logger(),
		interval:  cfg.Interval,
		threshold: cfg.ThresholdPercent,
		dedup:     events.NewDeduplicator(cfg.AlertCooldown),
		probes:    defaultProbes(),
	}
}

func (s *Sampler) Name() string { return "sampler" }

func (s *Sampler) Interval() time.Duration { return s.interval }

// Run takes one sample, publishes the snapshot, and raises threshold alerts.
func (s *Sampler) Run(ctx context.Context) {
	status := s.Sample(ctx)
	s.bus.Publish(events.TopicSystemStatus, status)
	s.checkThresholds(status)
}

// Sample measures every metric source and assembles a snapshot. Degraded
// sources log an observation gap once per transition, not per tick.
func (s *Sampler) Sample(ctx context.Context) model.SystemStatus {
	s.mu.Lock()
	prev := s.last
	s.mu.Unlock()

	status := model.SystemStatus{Timestamp: time.Now()}
	partial := false

	if v, err := s.probes.cpu(ctx); err == nil {
		status.CPU = v
	} else {
		s.logger.Warn().Err(err).Msg("CPU probe unavailable, using last known value")
		status.CPU, partial = prev.CPU, true
	}
	if v, err := s.probes.mem(); err == nil {
		status.Memory = v
	} else {
		s.logger.Warn().Err(err).Msg("Memory probe unavailable, using last known value")
		status.Memory, partial = prev.Memory, true
	}
	if v, err := s.probes.disk(); err == nil {
		status.Disk = v
	} else {
		s.logger.Warn().Err(err).Msg("Disk probe unavailable, using last known value")
		status.Disk, partial = prev.Disk, true
	}
	if v, err := s.probes.conns(ctx); err == nil {
		status.ActiveConnections = v
	} else {
		status.ActiveConnections, partial = prev.ActiveConnections, true
	}
	if v, err := s.probes.uptime(); err == nil {
		status.Uptime = formatUptime(v)
	} else {
		status.Uptime, partial = prev.Uptime, true
	}
	// A failure on the very first sample substitutes zero values, which is
	// still a degraded reading and must be flagged as such.
	status.Partial = partial

	if blocked, err := s.store.CountBlockedThreats(); err == nil {
		status.BlockedThreats = int(blocked)
	}
	if quarantined, err := s.store.CountQuarantinedFiles(); err == nil {
		status.QuarantinedFiles = int(quarantined)
	}

	s.engine.SetResourcePressure(s.pressure(status), status.Partial)
	status.ThreatLevel = s.engine.ThreatLevel()

	s.mu.Lock()
	s.last = status
	s.known = true
	s.logGapTransition(partial)
	s.mu.Unlock()
	return status
}

// Latest returns the most recent snapshot, sampling synchronously when none
// exists yet.
func (s *Sampler) Latest(ctx context.Context) model.SystemStatus {
	s.mu.Lock()
	if s.known {
		last := s.last
		s.mu.Unlock()
		return last
	}
	s.mu.Unlock()
	return s.Sample(ctx)
}

// pressure maps threshold breaches to the resource component of the threat
// level: one breach is medium, two or more is high.
func (s *Sampler) pressure(status model.SystemStatus) model.ThreatLevel {
	switch s.breached(status) {
	case 0:
		return model.ThreatLow
	case 1:
		return model.ThreatMedium
	default:
		return model.ThreatHigh
	}
}

func (s *Sampler) breached(status model.SystemStatus) int {
	n := 0
	for _, v := range []float64{status.CPU, status.Memory, status.Disk} {
		if v > s.threshold {
			n++
		}
	}
	return n
}

// checkThresholds raises one alert per breaching condition per cooldown
// window. Two or more simultaneous breaches escalate to critical.
func (s *Sampler) checkThresholds(status model.SystemStatus) {
	var breached []string
	if status.CPU > s.threshold {
		breached = append(breached, fmt.Sprintf("cpu=%.1f%%", status.CPU))
	}
	if status.Memory > s.threshold {
		breached = append(breached, fmt.Sprintf("memory=%.1f%%", status.Memory))
	}
	if status.Disk > s.threshold {
		breached = append(breached, fmt.Sprintf("disk=%.1f%%", status.Disk))
	}
	if len(breached) == 0 {
		return
	}

	severity := model.SeverityWarning
	if len(breached) >= 2 {
		severity = model.SeverityCritical
	}
	condition := conditionKey(status, s.threshold)
	if s.dedup.IsDuplicate("resource_threshold", condition, string(severity)) {
		return
	}
	_, err := s.engine.RaiseAlert(model.AlertIntrusion, severity,
		"Resource threshold exceeded",
		fmt.Sprintf("Host resources over %.0f%%: %s", s.threshold, strings.Join(breached, ", ")),
		"sampler")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to raise resource alert")
	}
}

// conditionKey names which metrics are breaching, so cpu staying hot does
// not re-alert but a new metric joining the breach does.
func conditionKey(status model.SystemStatus, threshold float64) string {
	var parts []string
	if status.CPU > threshold {
		parts = append(parts, "cpu")
	}
	if status.Memory > threshold {
		parts = append(parts, "memory")
	}
	if status.Disk > threshold {
		parts = append(parts, "disk")
	}
	return strings.Join(parts, "+")
}

// logGapTransition writes a warning log entry when visibility degrades, and
// only on the transition. Caller holds s.mu.
func (s *Sampler) logGapTransition(partial bool) {
	if partial == s.gapped {
		return
	}
	s.gapped = partial
	if !partial {
		s.logger.Info().Msg("All metric probes recovered")
		return
	}
	entry := &model.LogEntry{
		Level:    model.LogWarning,
		Category: model.CategorySystem,
		Message:  "Sampler running with degraded metric sources",
		Details:  "one or more probes failed; last known values substituted",
	}
	if err := s.store.CreateLog(entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist observation gap log entry")
		return
	}
	s.bus.Publish(events.TopicNewLog, entry)
}

// Stop releases the deduplicator's cleanup goroutine.
func (s *Sampler) Stop() {
	s.dedup.Stop()
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
