package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/metrics"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

// PolicyMode returns the current global firewall mode.
func (e *Engine) PolicyMode() model.FirewallPolicy {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.mode
}

// SuspiciousAction returns the default-path action for unmatched traffic.
func (e *Engine) SuspiciousAction() model.SuspiciousAction {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.suspicious
}

// SetPolicy changes the global firewall mode. Admin only; the backend is
// updated before the in-memory mode so a failed push changes nothing.
func (e *Engine) SetPolicy(ctx context.Context, mode model.FirewallPolicy, userID string) error {
	if _, err := e.authorize("policy.SetPolicy", userID, true); err != nil {
		return err
	}
	if !model.ValidFirewallPolicy(mode) {
		return errors.Validation("policy.SetPolicy", "unknown policy mode %q", mode)
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if err := e.enforcer.SetDefaultPolicy(ctx, mode, userID); err != nil {
		return err
	}
	e.mode = mode
	return nil
}

// SetSuspiciousAction changes the default-path action. Admin only.
func (e *Engine) SetSuspiciousAction(action model.SuspiciousAction, userID string) error {
	if _, err := e.authorize("policy.SetSuspiciousAction", userID, true); err != nil {
		return err
	}
	if !model.ValidSuspiciousAction(action) {
		return errors.Validation("policy.SetSuspiciousAction", "unknown suspicious action %q", action)
	}
	e.rulesMu.Lock()
	e.suspicious = action
	e.rulesMu.Unlock()
	e.logSecurity(model.LogInfo, "Suspicious packet action set to "+string(action), "", userID)
	return nil
}

// EnableFirewall turns on enforcement. Enabling an enabled firewall is a
// no-op success at the backend.
func (e *Engine) EnableFirewall(ctx context.Context, userID string) error {
	if _, err := e.authorize("policy.EnableFirewall", userID, true); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.enforcer.EnableFirewall(ctx, userID)
}

// DisableFirewall turns off enforcement.
func (e *Engine) DisableFirewall(ctx context.Context, userID string) error {
	if _, err := e.authorize("policy.DisableFirewall", userID, true); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.enforcer.DisableFirewall(ctx, userID)
}

// ReloadFirewall re-applies the backend rule set and reconciles the stored
// rules with the backend's ground truth. On conflict the ground truth wins;
// stored descriptions survive for rules that still exist.
func (e *Engine) ReloadFirewall(ctx context.Context, userID string) ([]model.FirewallRule, error) {
	if _, err := e.authorize("policy.ReloadFirewall", userID, true); err != nil {
		return nil, err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	ground, err := e.enforcer.ReloadFirewall(ctx, userID)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.ListRules(false)
	if err != nil {
		return nil, err
	}

	merged := make([]model.FirewallRule, 0, len(ground)+len(stored))
	claimed := make(map[string]bool)
	for _, g := range ground {
		if s := matchStoredRule(stored, g, claimed); s != nil {
			s.Number = g.Number
			merged = append(merged, *s)
		} else {
			g.IsActive = true
			merged = append(merged, g)
		}
	}
	// Quarantine rules have no backend representation; carry them over.
	for i := range stored {
		if stored[i].Action == model.ActionQuarantine && !claimed[stored[i].ID] {
			merged = append(merged, stored[i])
		}
	}
	if err := e.store.ReplaceRules(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func matchStoredRule(stored []model.FirewallRule, g model.FirewallRule, claimed map[string]bool) *model.FirewallRule {
	for i := range stored {
		s := &stored[i]
		if claimed[s.ID] {
			continue
		}
		if s.Action == g.Action && s.Source == g.Source && s.Port == g.Port && strings.EqualFold(s.Protocol, g.Protocol) {
			claimed[s.ID] = true
			return s
		}
	}
	return nil
}

// FirewallStatus reports whether the backend is enforcing plus its raw
// status text.
func (e *Engine) FirewallStatus(ctx context.Context) (bool, string, error) {
	return e.enforcer.FirewallStatus(ctx)
}

// AddRule validates and installs a firewall rule. A rule matches on exactly
// one dimension: a source address, a port (optionally narrowed by
// protocol), or a protocol alone. Quarantine rules are watcher-side only
// and never reach the backend.
func (e *Engine) AddRule(ctx context.Context, rule model.FirewallRule, userID string) (*model.FirewallRule, error) {
	if _, err := e.authorize("policy.AddRule", userID, true); err != nil {
		return nil, err
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if rule.Action != model.ActionQuarantine {
		if err := e.enforcer.ApplyRule(ctx, rule, userID); err != nil {
			return nil, err
		}
	}
	stored, err := e.store.ListRules(false)
	if err != nil {
		return nil, err
	}
	rule.Number = len(stored) + 1
	rule.IsActive = true
	if err := e.store.CreateRule(&rule); err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicNetworkEvent, &rule)
	return &rule, nil
}

// RemoveRuleByNumber deletes the rule at the given position. Removing a
// nonexistent rule is a not-found error, never a silent success.
func (e *Engine) RemoveRuleByNumber(ctx context.Context, number int, userID string) error {
	if _, err := e.authorize("policy.RemoveRuleByNumber", userID, true); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	rule, err := e.store.GetRuleByNumber(number)
	if err != nil {
		return err
	}
	return e.deleteRuleLocked(ctx, rule, userID)
}

// RuleSelector names the single dimension a removal targets: a source
// address, a port (optionally narrowed by protocol), or a protocol alone.
type RuleSelector struct {
	Source   string
	Port     int
	Protocol string
}

// RemoveRuleMatching deletes the lowest-numbered rule matching the
// selector's dimension. The selector obeys the same one-dimension shape as
// AddRule; no matching rule is a not-found error.
func (e *Engine) RemoveRuleMatching(ctx context.Context, sel RuleSelector, userID string) (*model.FirewallRule, error) {
	if _, err := e.authorize("policy.RemoveRuleMatching", userID, true); err != nil {
		return nil, err
	}
	if err := validateSelector(sel); err != nil {
		return nil, err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	stored, err := e.store.ListRules(false)
	if err != nil {
		return nil, err
	}
	var rule *model.FirewallRule
	for i := range stored {
		if !selectorMatches(sel, stored[i]) {
			continue
		}
		if rule == nil || stored[i].Number < rule.Number {
			rule = &stored[i]
		}
	}
	if rule == nil {
		return nil, errors.NotFound("policy.RemoveRuleMatching", "no rule matches %s", sel.describe())
	}
	if err := e.deleteRuleLocked(ctx, rule, userID); err != nil {
		return nil, err
	}
	return rule, nil
}

// deleteRuleLocked removes a known rule from the backend and the store, then
// closes the numbering gap the way the backend does. Caller holds rulesMu.
func (e *Engine) deleteRuleLocked(ctx context.Context, rule *model.FirewallRule, userID string) error {
	if rule.Action != model.ActionQuarantine {
		if err := e.enforcer.RemoveRule(ctx, *rule, userID); err != nil {
			return err
		}
	}
	if err := e.store.DeleteRule(rule.ID); err != nil {
		return err
	}

	remaining, err := e.store.ListRules(false)
	if err != nil {
		return err
	}
	for i := range remaining {
		if remaining[i].Number > rule.Number {
			remaining[i].Number--
		}
	}
	if err := e.store.ReplaceRules(remaining); err != nil {
		return err
	}
	e.bus.Publish(events.TopicNetworkEvent, rule)
	return nil
}

func validateSelector(sel RuleSelector) error {
	hasSource := sel.Source != ""
	hasPort := sel.Port != 0
	hasProto := sel.Protocol != ""
	switch {
	case hasSource && (hasPort || hasProto):
		return errors.Validation("policy.RemoveRuleMatching", "source selectors cannot also name a port or protocol")
	case !hasSource && !hasPort && !hasProto:
		return errors.Validation("policy.RemoveRuleMatching", "selector must name a source, port, or protocol")
	case hasPort && (sel.Port < 1 || sel.Port > 65535):
		return errors.Validation("policy.RemoveRuleMatching", "port %d out of range", sel.Port)
	}
	return nil
}

func selectorMatches(sel RuleSelector, r model.FirewallRule) bool {
	switch {
	case sel.Source != "":
		return r.Source == sel.Source
	case sel.Port != 0:
		if r.Port != sel.Port {
			return false
		}
		return sel.Protocol == "" || strings.EqualFold(sel.Protocol, r.Protocol)
	case sel.Protocol != "":
		return r.Source == "" && r.Port == 0 && strings.EqualFold(sel.Protocol, r.Protocol)
	}
	return false
}

func (sel RuleSelector) describe() string {
	switch {
	case sel.Source != "":
		return "source " + sel.Source
	case sel.Port != 0 && sel.Protocol != "":
		return fmt.Sprintf("port %d/%s", sel.Port, strings.ToLower(sel.Protocol))
	case sel.Port != 0:
		return fmt.Sprintf("port %d", sel.Port)
	default:
		return "protocol " + strings.ToLower(sel.Protocol)
	}
}

// ListRules proxies the store listing.
func (e *Engine) ListRules(activeOnly bool) ([]model.FirewallRule, error) {
	return e.store.ListRules(activeOnly)
}

func validateRule(rule model.FirewallRule) error {
	if !model.ValidRuleAction(rule.Action) {
		return errors.Validation("policy.AddRule", "unknown rule action %q", rule.Action)
	}
	hasSource := rule.Source != ""
	hasPort := rule.Port != 0
	hasProto := rule.Protocol != ""
	switch {
	case hasSource && (hasPort || hasProto):
		return errors.Validation("policy.AddRule", "source rules cannot also match port or protocol")
	case !hasSource && !hasPort && !hasProto:
		return errors.Validation("policy.AddRule", "rule must match a source, port, or protocol")
	case hasPort && (rule.Port < 1 || rule.Port > 65535):
		return errors.Validation("policy.AddRule", "port %d out of range", rule.Port)
	}
	return nil
}

// ClassifyPacket decides the disposition for one observed packet. Under
// allow_all and deny_all the rule table is bypassed entirely; under custom
// the most specific matching rule wins, and unmatched traffic falls through
// to the suspicious-packet action.
func (e *Engine) ClassifyPacket(pkt model.Packet) (model.Disposition, *model.FirewallRule, error) {
	e.rulesMu.Lock()
	mode := e.mode
	suspicious := e.suspicious
	e.rulesMu.Unlock()

	switch mode {
	case model.PolicyDenyAll:
		return model.DispositionDeny, nil, nil
	case model.PolicyAllowAll:
		return model.DispositionAllow, nil, nil
	}

	rules, err := e.store.ListRules(true)
	if err != nil {
		return "", nil, err
	}
	if rule := mostSpecificMatch(rules, pkt); rule != nil {
		switch rule.Action {
		case model.ActionAllow:
			return model.DispositionAllow, rule, nil
		case model.ActionDeny:
			return model.DispositionDeny, rule, nil
		case model.ActionQuarantine:
			return model.DispositionQuarantine, rule, nil
		}
	}

	switch suspicious {
	case model.SuspiciousQuarantine:
		return model.DispositionQuarantine, nil, nil
	case model.SuspiciousReject:
		return model.DispositionDeny, nil, nil
	default:
		return model.DispositionAllow, nil, nil
	}
}

// mostSpecificMatch returns the matching rule with the highest specificity,
// breaking ties by rule number.
func mostSpecificMatch(rules []model.FirewallRule, pkt model.Packet) *model.FirewallRule {
	var candidates []model.FirewallRule
	for _, r := range rules {
		if ruleMatches(r, pkt) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Specificity() != candidates[j].Specificity() {
			return candidates[i].Specificity() > candidates[j].Specificity()
		}
		return candidates[i].Number < candidates[j].Number
	})
	return &candidates[0]
}

func ruleMatches(r model.FirewallRule, pkt model.Packet) bool {
	switch {
	case r.Source != "":
		return r.Source == pkt.SrcIP
	case r.Port != 0:
		if r.Port != pkt.DstPort {
			return false
		}
		return r.Protocol == "" || strings.EqualFold(r.Protocol, pkt.Protocol)
	case r.Protocol != "":
		return strings.EqualFold(r.Protocol, pkt.Protocol)
	}
	return false
}

// HandlePacket runs the full pipeline for one observed packet: classify,
// enforce, alert, publish. The network watcher calls this for every packet
// its source yields.
func (e *Engine) HandlePacket(ctx context.Context, pkt model.Packet) (model.Disposition, error) {
	disposition, rule, err := e.ClassifyPacket(pkt)
	if err != nil {
		return "", err
	}
	metrics.PacketsClassified.WithLabelValues(string(disposition)).Inc()

	e.bus.Publish(events.TopicNetworkEvent, map[string]interface{}{
		"packet":      pkt,
		"disposition": disposition,
	})

	switch disposition {
	case model.DispositionAllow:
		// Unmatched traffic passing through under allow_notify still gets
		// flagged for review.
		if rule == nil && e.PolicyMode() == model.PolicyCustom {
			_, err := e.RaiseAlert(model.AlertNetwork, model.SeverityInfo,
				"Unmatched traffic allowed",
				fmt.Sprintf("No rule matched %s %s -> %s; allowed and notified", pkt.Protocol, pkt.SourceAddr(), pkt.DestinationAddr()),
				pkt.SrcIP)
			return disposition, err
		}
	case model.DispositionDeny:
		severity := model.SeverityWarning
		if e.trackReject(pkt.SrcIP) {
			severity = model.SeverityCritical
		}
		detail := "suspicious packet rejected"
		if rule != nil {
			detail = fmt.Sprintf("matched %s rule #%d", rule.Action, rule.Number)
		}
		_, err := e.RaiseAlert(model.AlertNetwork, severity,
			"Connection blocked",
			fmt.Sprintf("Denied %s %s -> %s (%s)", pkt.Protocol, pkt.SourceAddr(), pkt.DestinationAddr(), detail),
			pkt.SrcIP)
		return disposition, err
	case model.DispositionQuarantine:
		reason := "suspicious packet quarantined"
		if rule != nil {
			reason = fmt.Sprintf("matched quarantine rule #%d", rule.Number)
		}
		e.quarantineMu.Lock()
		_, qErr := e.enforcer.QuarantinePacket(ctx, pkt, reason)
		e.quarantineMu.Unlock()
		if qErr != nil {
			return disposition, qErr
		}
		_, err := e.RaiseAlert(model.AlertNetwork, model.SeverityWarning,
			"Packet quarantined",
			fmt.Sprintf("Diverted %s %s -> %s: %s", pkt.Protocol, pkt.SourceAddr(), pkt.DestinationAddr(), reason),
			pkt.SrcIP)
		return disposition, err
	}
	return disposition, nil
}

// trackReject records a reject for the source and reports whether the
// source crossed the repeat-offense threshold inside the sliding window.
func (e *Engine) trackReject(sourceIP string) bool {
	now := time.Now()
	cutoff := now.Add(-e.rejectWindow)

	e.rejectsMu.Lock()
	recent := e.rejects[sourceIP][:0]
	for _, t := range e.rejects[sourceIP] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	e.rejects[sourceIP] = recent
	breached := len(recent) >= e.rejectThreshold
	e.rejectsMu.Unlock()

	if breached {
		e.threatMu.Lock()
		e.rejectBreached = true
		e.threatMu.Unlock()
	}
	return breached
}

// refreshRejectSignal prunes the sliding windows and recomputes whether any
// source is currently over the repeat-offense threshold. Called from threat
// recomputation so a quiet network decays the signal.
func (e *Engine) refreshRejectSignal() bool {
	cutoff := time.Now().Add(-e.rejectWindow)

	e.rejectsMu.Lock()
	breached := false
	for ip, times := range e.rejects {
		recent := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(e.rejects, ip)
			continue
		}
		e.rejects[ip] = recent
		if len(recent) >= e.rejectThreshold {
			breached = true
		}
	}
	e.rejectsMu.Unlock()

	e.threatMu.Lock()
	e.rejectBreached = breached
	e.threatMu.Unlock()
	return breached
}
