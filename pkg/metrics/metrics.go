// Package metrics defines the daemon's Prometheus instrumentation. The
// collectors are registered on the default registry and served from the API
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AlertsRaised counts alerts by type and severity.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securewatch",
		Name:      "alerts_raised_total",
		Help:      "Alerts raised by the policy engine.",
	}, []string{"type", "severity"})

	// PacketsClassified counts network classifications by disposition.
	PacketsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securewatch",
		Name:      "packets_classified_total",
		Help:      "Packets classified against firewall policy.",
	}, []string{"disposition"})

	// FileEvents counts observed accesses on protected paths by operation.
	FileEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securewatch",
		Name:      "file_events_total",
		Help:      "Access events observed on protected paths.",
	}, []string{"op"})

	// EnforcementFailures counts failed enforcement actions by action name.
	EnforcementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securewatch",
		Name:      "enforcement_failures_total",
		Help:      "Enforcement actions that failed at the OS boundary.",
	}, []string{"action"})

	// ThreatLevel exposes the current aggregate threat level as a gauge
	// (0=low 1=medium 2=high 3=critical).
	ThreatLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "securewatch",
		Name:      "threat_level",
		Help:      "Current aggregate threat level.",
	})
)
