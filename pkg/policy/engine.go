// Package policy holds the decision core: protection settings, firewall
// rules, the global policy mode, and the suspicious-packet action. Watchers
// hand it observations; it decides dispositions, raises alerts, and drives
// the enforcement controller. State is split into four partitions (rules,
// alerts, files, quarantine) each behind its own lock, so operations on
// different partitions proceed concurrently.
package policy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/enforce"
	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/metrics"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// Engine owns policy state and evaluates every observation against it. One
// engine exists per daemon; watchers receive it by constructor injection.
type Engine struct {
	store    *store.Store
	enforcer *enforce.Controller
	bus      *events.Bus
	logger   zerolog.Logger

	rulesMu    sync.Mutex
	mode       model.FirewallPolicy
	suspicious model.SuspiciousAction

	alertsMu     sync.Mutex
	filesMu      sync.Mutex
	quarantineMu sync.Mutex

	threatMu         sync.Mutex
	resourcePressure model.ThreatLevel
	rejectBreached   bool
	threat           model.ThreatLevel

	rejectsMu       sync.Mutex
	rejects         map[string][]time.Time
	rejectThreshold int
	rejectWindow    time.Duration
}

// NewEngine wires the policy engine. The policy mode starts as custom with
// allow_notify as the default path for unmatched traffic.
func NewEngine(cfg config.NetworkConfig, st *store.Store, enforcer *enforce.Controller, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		store:           st,
		enforcer:        enforcer,
		bus:             bus,
		logger:          logger.With().Str("component", "policy").Logger(),
		mode:            model.PolicyCustom,
		suspicious:      model.SuspiciousAllowNotify,
		threat:          model.ThreatLow,
		rejects:         make(map[string][]time.Time),
		rejectThreshold: cfg.RejectThreshold,
		rejectWindow:    cfg.RejectWindow,
	}
}

// authorize resolves a caller by id and checks the role requirement. A
// failed check is itself a security event and is logged before it returns.
func (e *Engine) authorize(op, userID string, needAdmin bool) (*model.User, error) {
	user, err := e.store.GetUser(userID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			authErr := errors.Authorization(op, "unknown caller %q", userID)
			e.logSecurity(model.LogError, "Authorization denied: unknown caller", op, userID)
			return nil, authErr
		}
		return nil, err
	}
	if !user.IsActive {
		e.logSecurity(model.LogError, "Authorization denied: inactive caller", op, userID)
		return nil, errors.Authorization(op, "caller %q is inactive", user.Username)
	}
	if needAdmin && user.Role != model.RoleAdmin {
		e.logSecurity(model.LogError, "Authorization denied: admin required", op, userID)
		return nil, errors.Authorization(op, "caller %q lacks admin role", user.Username)
	}
	return user, nil
}

func (e *Engine) logSecurity(level model.LogLevel, message, details, userID string) {
	entry := &model.LogEntry{
		Level:    level,
		Category: model.CategorySecurity,
		Message:  message,
		Details:  details,
		UserID:   userID,
	}
	if err := e.store.CreateLog(entry); err != nil {
		e.logger.Error().Err(err).Str("message", message).Msg("Failed to persist security log entry")
		return
	}
	e.bus.Publish(events.TopicNewLog, entry)
}

// RaiseAlert creates an active alert, fans it out, and recomputes the threat
// level. Watchers and the sampler call this; it is not a caller command.
func (e *Engine) RaiseAlert(alertType model.AlertType, severity model.AlertSeverity, title, description, source string) (*model.Alert, error) {
	e.alertsMu.Lock()
	alert := &model.Alert{
		Type:        alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		Source:      source,
		Status:      model.AlertActive,
	}
	err := e.store.CreateAlert(alert)
	e.alertsMu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.AlertsRaised.WithLabelValues(string(alertType), string(severity)).Inc()
	e.bus.Publish(events.TopicNewAlert, alert)
	e.RecomputeThreat()

	e.logger.Warn().
		Str("type", string(alertType)).
		Str("severity", string(severity)).
		Str("source", source).
		Msg(title)
	return alert, nil
}

// AcknowledgeAlert moves an active alert to acknowledged. Any other starting
// state is a conflict; resolved is terminal.
func (e *Engine) AcknowledgeAlert(id, userID string) (*model.Alert, error) {
	if _, err := e.authorize("policy.AcknowledgeAlert", userID, false); err != nil {
		return nil, err
	}
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	alert, err := e.store.GetAlert(id)
	if err != nil {
		return nil, err
	}
	switch alert.Status {
	case model.AlertActive:
	case model.AlertAcknowledged:
		return nil, errors.Conflict("policy.AcknowledgeAlert", "alert %s is already acknowledged", id)
	case model.AlertResolved:
		return nil, errors.Conflict("policy.AcknowledgeAlert", "alert %s is resolved", id)
	}
	alert.Status = model.AlertAcknowledged
	alert.AssignedTo = userID
	if err := e.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicNewAlert, alert)
	return alert, nil
}

// ResolveAlert moves an alert to resolved, from active or acknowledged.
// Skipping the acknowledge step is allowed.
func (e *Engine) ResolveAlert(id, userID string) (*model.Alert, error) {
	if _, err := e.authorize("policy.ResolveAlert", userID, false); err != nil {
		return nil, err
	}
	e.alertsMu.Lock()
	alert, err := e.store.GetAlert(id)
	if err != nil {
		e.alertsMu.Unlock()
		return nil, err
	}
	if alert.Status == model.AlertResolved {
		e.alertsMu.Unlock()
		return nil, errors.Conflict("policy.ResolveAlert", "alert %s is already resolved", id)
	}
	alert.Status = model.AlertResolved
	err = e.store.UpdateAlert(alert)
	e.alertsMu.Unlock()
	if err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicNewAlert, alert)
	e.RecomputeThreat()
	return alert, nil
}

// AssignAlert attaches a user to an alert without changing its status.
func (e *Engine) AssignAlert(id, assigneeID, userID string) (*model.Alert, error) {
	if _, err := e.authorize("policy.AssignAlert", userID, false); err != nil {
		return nil, err
	}
	if _, err := e.store.GetUser(assigneeID); err != nil {
		return nil, err
	}
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	alert, err := e.store.GetAlert(id)
	if err != nil {
		return nil, err
	}
	alert.AssignedTo = assigneeID
	if err := e.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts proxies the store listing.
func (e *Engine) ListAlerts(f store.AlertFilter) ([]model.Alert, int64, error) {
	return e.store.ListAlerts(f)
}

// SetResourcePressure feeds the sampler's view of resource thresholds into
// threat aggregation. partial marks a degraded sample whose pressure reading
// is discounted one step.
func (e *Engine) SetResourcePressure(level model.ThreatLevel, partial bool) {
	e.threatMu.Lock()
	if partial && level.Rank() > model.ThreatLow.Rank() {
		switch level {
		case model.ThreatCritical:
			level = model.ThreatHigh
		case model.ThreatHigh:
			level = model.ThreatMedium
		default:
			level = model.ThreatLow
		}
	}
	e.resourcePressure = level
	e.threatMu.Unlock()
	e.RecomputeThreat()
}

// RecomputeThreat derives the aggregate threat level from unresolved alerts,
// resource pressure, and the reject-rate signal. Runs on every sampler tick
// and every alert mutation.
func (e *Engine) RecomputeThreat() model.ThreatLevel {
	e.refreshRejectSignal()

	criticals, err := e.store.CountUnresolvedCritical()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to count unresolved critical alerts")
		criticals = 0
	}
	warnings, err := e.store.CountActiveWarnings()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to count active warning alerts")
		warnings = 0
	}

	e.threatMu.Lock()
	defer e.threatMu.Unlock()

	level := model.ThreatLow
	switch {
	case criticals >= 2:
		level = model.ThreatCritical
	case criticals == 1 || e.rejectBreached:
		level = model.ThreatHigh
	case warnings > 0 || e.resourcePressure.Rank() > model.ThreatLow.Rank():
		level = model.ThreatMedium
	}
	level = model.MaxThreat(level, e.resourcePressure)

	if level != e.threat {
		e.logger.Info().
			Str("from", string(e.threat)).
			Str("to", string(level)).
			Msg("Threat level changed")
	}
	e.threat = level
	metrics.ThreatLevel.Set(float64(level.Rank()))
	return level
}

// ThreatLevel returns the last computed aggregate level.
func (e *Engine) ThreatLevel() model.ThreatLevel {
	e.threatMu.Lock()
	defer e.threatMu.Unlock()
	return e.threat
}

// CreateLogEntry records a caller-supplied audit entry.
func (e *Engine) CreateLogEntry(entry *model.LogEntry, userID string) error {
	if _, err := e.authorize("policy.CreateLogEntry", userID, false); err != nil {
		return err
	}
	if !model.ValidLogLevel(entry.Level) {
		return errors.Validation("policy.CreateLogEntry", "unknown log level %q", entry.Level)
	}
	if !model.ValidLogCategory(entry.Category) {
		return errors.Validation("policy.CreateLogEntry", "unknown log category %q", entry.Category)
	}
	entry.UserID = userID
	if err := e.store.CreateLog(entry); err != nil {
		return err
	}
	e.bus.Publish(events.TopicNewLog, entry)
	return nil
}

// AddLogComment appends to a log entry's comment thread.
func (e *Engine) AddLogComment(logID, comment, userID string) (*model.LogComment, error) {
	if _, err := e.authorize("policy.AddLogComment", userID, false); err != nil {
		return nil, err
	}
	if comment == "" {
		return nil, errors.Validation("policy.AddLogComment", "empty comment")
	}
	c := &model.LogComment{UserID: userID, Comment: comment}
	if err := e.store.AddLogComment(logID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateUser registers a caller identity. Admin only.
func (e *Engine) CreateUser(u *model.User, userID string) error {
	if _, err := e.authorize("policy.CreateUser", userID, true); err != nil {
		return err
	}
	if u.Username == "" {
		return errors.Validation("policy.CreateUser", "empty username")
	}
	if !model.ValidRole(u.Role) {
		return errors.Validation("policy.CreateUser", "unknown role %q", u.Role)
	}
	u.IsActive = true
	if err := e.store.CreateUser(u); err != nil {
		return err
	}
	e.logSecurity(model.LogInfo, "User created: "+u.Username, string(u.Role), userID)
	return nil
}

// UpdateUserRole changes a user's role or active flag. Admin only.
func (e *Engine) UpdateUserRole(id string, role model.Role, active bool, userID string) (*model.User, error) {
	if _, err := e.authorize("policy.UpdateUserRole", userID, true); err != nil {
		return nil, err
	}
	if !model.ValidRole(role) {
		return nil, errors.Validation("policy.UpdateUserRole", "unknown role %q", role)
	}
	user, err := e.store.GetUser(id)
	if err != nil {
		return nil, err
	}
	user.Role = role
	user.IsActive = active
	if err := e.store.UpdateUser(user); err != nil {
		return nil, err
	}
	e.logSecurity(model.LogInfo, "User updated: "+user.Username, string(role), userID)
	return user, nil
}
