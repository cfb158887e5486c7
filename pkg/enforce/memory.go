package enforce

import (
	"context"
	"sync"

	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

// MemoryBackend keeps firewall state in process. It backs tests and hosts
// without ufw installed; classification still happens, enforcement is
// bookkeeping only.
type MemoryBackend struct {
	mu      sync.Mutex
	enabled bool
	policy  model.FirewallPolicy
	rules   []model.FirewallRule

	// FailNext, when set, makes the next mutating call return an
	// enforcement error. Tests use it to exercise failure paths.
	FailNext bool
}

// NewMemoryBackend returns an empty in-memory backend with a custom policy.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{policy: model.PolicyCustom}
}

func (m *MemoryBackend) failCheck(op string) error {
	if m.FailNext {
		m.FailNext = false
		return errors.Enforcement(op, nil, "injected backend failure")
	}
	return nil
}

func (m *MemoryBackend) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("memory.Enable"); err != nil {
		return err
	}
	m.enabled = true
	return nil
}

func (m *MemoryBackend) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("memory.Disable"); err != nil {
		return err
	}
	m.enabled = false
	return nil
}

func (m *MemoryBackend) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCheck("memory.Reload")
}

func (m *MemoryBackend) Status(ctx context.Context) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := "Status: inactive"
	if m.enabled {
		status = "Status: active"
	}
	return m.enabled, status, nil
}

func (m *MemoryBackend) ListRules(ctx context.Context) ([]model.FirewallRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FirewallRule, len(m.rules))
	copy(out, m.rules)
	for i := range out {
		out[i].Number = i + 1
	}
	return out, nil
}

func (m *MemoryBackend) ApplyRule(ctx context.Context, rule model.FirewallRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("memory.ApplyRule"); err != nil {
		return err
	}
	if _, err := ruleArgs(rule); err != nil {
		return err
	}
	rule.Number = len(m.rules) + 1
	m.rules = append(m.rules, rule)
	return nil
}

func (m *MemoryBackend) RemoveRule(ctx context.Context, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("memory.RemoveRule"); err != nil {
		return err
	}
	if number < 1 || number > len(m.rules) {
		return errors.NotFound("memory.RemoveRule", "no rule at position %d", number)
	}
	m.rules = append(m.rules[:number-1], m.rules[number:]...)
	return nil
}

func (m *MemoryBackend) SetDefaultPolicy(ctx context.Context, policy model.FirewallPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("memory.SetDefaultPolicy"); err != nil {
		return err
	}
	if !model.ValidFirewallPolicy(policy) {
		return errors.Validation("memory.SetDefaultPolicy", "unknown policy %q", policy)
	}
	m.policy = policy
	return nil
}
