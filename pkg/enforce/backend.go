// Package enforce carries out dispositions decided by the policy engine:
// locking files, moving files and packets into quarantine, and mutating
// firewall state. Every action either fully applies or reports failure, and
// produces exactly one security log entry before returning.
package enforce

import (
	"context"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// FirewallBackend is the contract between the policy engine and whatever
// actually enforces rules on the host. Implementations must be idempotent
// where the primitive allows it: enabling an enabled firewall succeeds as a
// no-op, removing a nonexistent rule reports not-found.
type FirewallBackend interface {
	// Enable turns the firewall on.
	Enable(ctx context.Context) error
	// Disable turns the firewall off.
	Disable(ctx context.Context) error
	// Reload re-applies the active rule set.
	Reload(ctx context.Context) error
	// Status reports whether the firewall is enabled plus a backend status
	// string.
	Status(ctx context.Context) (bool, string, error)
	// ListRules returns the backend's ground-truth rule set in order.
	ListRules(ctx context.Context) ([]model.FirewallRule, error)
	// ApplyRule installs one rule.
	ApplyRule(ctx context.Context, rule model.FirewallRule) error
	// RemoveRule removes the rule at the given backend position.
	RemoveRule(ctx context.Context, number int) error
	// SetDefaultPolicy applies a global allow/deny default.
	SetDefaultPolicy(ctx context.Context, policy model.FirewallPolicy) error
}
