package enforce

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

// ruleLinePattern matches one line of `ufw status numbered` output:
// [num] <to/service> <action> [IN|OUT] <from/source>
var ruleLinePattern = regexp.MustCompile(`^\[\s*(\d+)\]\s+(.+?)\s+(ALLOW|DENY|REJECT)\s+(IN|OUT)?\s+(.+)$`)

// portPattern matches a port spec such as "22" or "443/udp".
var portPattern = regexp.MustCompile(`^(\d+)(?:/(\w+))?$`)

// UFWBackend enforces firewall rules by shelling out to ufw. All commands run
// through sudo and inherit the caller's context deadline.
type UFWBackend struct {
	logger zerolog.Logger
}

// NewUFWBackend returns a backend driving the host's ufw installation.
func NewUFWBackend(logger zerolog.Logger) *UFWBackend {
	return &UFWBackend{logger: logger.With().Str("backend", "ufw").Logger()}
}

func (u *UFWBackend) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "sudo", append([]string{"ufw"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Enforcement("ufw.run", err, "ufw %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (u *UFWBackend) Enable(ctx context.Context) error {
	// --force suppresses the interactive confirmation prompt.
	_, err := u.run(ctx, "--force", "enable")
	return err
}

func (u *UFWBackend) Disable(ctx context.Context) error {
	_, err := u.run(ctx, "disable")
	return err
}

func (u *UFWBackend) Reload(ctx context.Context) error {
	_, err := u.run(ctx, "reload")
	return err
}

func (u *UFWBackend) Status(ctx context.Context) (bool, string, error) {
	out, err := u.run(ctx, "status")
	if err != nil {
		return false, "", err
	}
	enabled := strings.Contains(strings.ToLower(out), "status: active")
	return enabled, out, nil
}

// ListRules parses `ufw status numbered` into the rule model. UFW sometimes
// swaps the to and from columns for source-only rules, so the parse
// normalizes: the port or service spec is always the rule, the address is
// always the source.
func (u *UFWBackend) ListRules(ctx context.Context) ([]model.FirewallRule, error) {
	out, err := u.run(ctx, "status", "numbered")
	if err != nil {
		return nil, err
	}
	var rules []model.FirewallRule
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		rule, ok := parseRuleLine(line)
		if !ok {
			u.logger.Warn().Str("line", line).Msg("Unparsed ufw rule line")
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parseRuleLine maps one numbered status line to the rule model.
func parseRuleLine(line string) (model.FirewallRule, bool) {
	m := ruleLinePattern.FindStringSubmatch(line)
	if m == nil {
		return model.FirewallRule{}, false
	}
	num, _ := strconv.Atoi(m[1])
	toField := strings.TrimSpace(m[2])
	fromField := strings.TrimSpace(m[5])

	spec, source := toField, fromField
	if !looksLikeSpec(toField) && looksLikeSpec(fromField) {
		spec, source = fromField, toField
	}

	rule := model.FirewallRule{Number: num, Action: parseAction(m[3])}
	if pm := portPattern.FindStringSubmatch(spec); pm != nil {
		rule.Port, _ = strconv.Atoi(pm[1])
		rule.Protocol = pm[2]
	} else if !strings.EqualFold(spec, "anywhere") {
		rule.Protocol = strings.ToLower(spec)
	}
	if !strings.EqualFold(source, "anywhere") && !strings.EqualFold(source, "anywhere (v6)") {
		rule.Source = source
	}
	return rule, true
}

func looksLikeSpec(s string) bool {
	return portPattern.MatchString(s) || strings.Contains(s, "/") || strings.EqualFold(s, "anywhere")
}

func parseAction(s string) model.RuleAction {
	if s == "ALLOW" {
		return model.ActionAllow
	}
	return model.ActionDeny
}

// ApplyRule installs one rule. Quarantine rules have no ufw equivalent; the
// watcher diverts those packets itself, so only the allow and deny shapes
// reach the backend.
func (u *UFWBackend) ApplyRule(ctx context.Context, rule model.FirewallRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	_, err = u.run(ctx, args...)
	return err
}

func (u *UFWBackend) RemoveRule(ctx context.Context, number int) error {
	_, err := u.run(ctx, "--force", "delete", strconv.Itoa(number))
	return err
}

func (u *UFWBackend) SetDefaultPolicy(ctx context.Context, policy model.FirewallPolicy) error {
	switch policy {
	case model.PolicyAllowAll:
		_, err := u.run(ctx, "default", "allow")
		return err
	case model.PolicyDenyAll:
		_, err := u.run(ctx, "default", "deny")
		return err
	case model.PolicyCustom:
		// Custom mode keeps whatever default is configured; the rule table
		// and the suspicious-packet action decide the rest.
		return nil
	}
	return errors.Validation("ufw.SetDefaultPolicy", "unknown policy %q", policy)
}

func ruleArgs(rule model.FirewallRule) ([]string, error) {
	verb := "allow"
	if rule.Action == model.ActionDeny {
		verb = "deny"
	}
	switch {
	case rule.Source != "":
		return []string{verb, "from", rule.Source}, nil
	case rule.Port != 0 && rule.Protocol != "":
		return []string{verb, fmt.Sprintf("%d/%s", rule.Port, rule.Protocol)}, nil
	case rule.Port != 0:
		return []string{verb, strconv.Itoa(rule.Port)}, nil
	case rule.Protocol != "":
		return []string{verb, rule.Protocol}, nil
	}
	return nil, errors.Validation("ufw.ruleArgs", "rule matches no dimension")
}
