package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/enforce"
	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

type testEnv struct {
	engine  *Engine
	store   *store.Store
	backend *enforce.MemoryBackend
	adminID string
	userID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := enforce.NewMemoryBackend()
	bus := events.NewBus(logger, 16)
	enforcer := enforce.NewController(config.EnforceConfig{
		QuarantineDir: filepath.Join(t.TempDir(), "quarantine"),
		Timeout:       2 * time.Second,
		MaxRetries:    0,
	}, backend, st, bus, logger)

	engine := NewEngine(config.NetworkConfig{
		RejectThreshold: 3,
		RejectWindow:    time.Minute,
	}, st, enforcer, bus, logger)

	admin, err := st.GetUserByUsername("admin")
	require.NoError(t, err)

	viewer := &model.User{Username: "viewer", Role: model.RoleUser, IsActive: true}
	require.NoError(t, st.CreateUser(viewer))

	return &testEnv{engine: engine, store: st, backend: backend, adminID: admin.ID, userID: viewer.ID}
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alert, err := env.engine.RaiseAlert(model.AlertNetwork, model.SeverityWarning, "test", "", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.AlertActive, alert.Status)

	acked, err := env.engine.AcknowledgeAlert(alert.ID, env.userID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, acked.Status)

	resolved, err := env.engine.ResolveAlert(alert.ID, env.userID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, resolved.Status)

	// Resolved is terminal.
	_, err = env.engine.AcknowledgeAlert(alert.ID, env.userID)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	_, err = env.engine.ResolveAlert(alert.ID, env.userID)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestAlertResolveSkipsAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	alert, err := env.engine.RaiseAlert(model.AlertFile, model.SeverityInfo, "test", "", "/etc/hosts")
	require.NoError(t, err)

	resolved, err := env.engine.ResolveAlert(alert.ID, env.userID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, resolved.Status)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.CreateUser(&model.User{Username: "intruder", Role: model.RoleAdmin}, env.userID)
	assert.True(t, errors.IsKind(err, errors.KindAuthorization))

	// No user created.
	_, err = env.store.GetUserByUsername("intruder")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// One error-level security log entry recorded for the denial.
	logs, _, err := env.store.ListLogs(store.LogFilter{Level: model.LogError, Category: model.CategorySecurity})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "admin required")
}

func TestCreateUserAsAdmin(t *testing.T) {
	env := newTestEnv(t)
	u := &model.User{Username: "analyst", Role: model.RoleUser}
	require.NoError(t, env.engine.CreateUser(u, env.adminID))

	fetched, err := env.store.GetUserByUsername("analyst")
	require.NoError(t, err)
	assert.True(t, fetched.IsActive)
}

func TestDenyAllBypassesRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.AddRule(context.Background(), model.FirewallRule{
		Action: model.ActionAllow, Port: 443, Protocol: "tcp",
	}, env.adminID)
	require.NoError(t, err)
	require.NoError(t, env.engine.SetPolicy(context.Background(), model.PolicyDenyAll, env.adminID))

	for _, pkt := range []model.Packet{
		{Protocol: "tcp", SrcIP: "1.2.3.4", DstIP: "10.0.0.1", DstPort: 443},
		{Protocol: "udp", SrcIP: "8.8.8.8", DstIP: "10.0.0.1", DstPort: 53},
		{Protocol: "icmp", SrcIP: "9.9.9.9", DstIP: "10.0.0.1"},
	} {
		disposition, rule, err := env.engine.ClassifyPacket(pkt)
		require.NoError(t, err)
		assert.Equal(t, model.DispositionDeny, disposition)
		assert.Nil(t, rule)
	}
}

func TestDenyRuleOnPortRaisesNetworkAlert(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.AddRule(context.Background(), model.FirewallRule{
		Action: model.ActionDeny, Port: 445, Protocol: "tcp",
	}, env.adminID)
	require.NoError(t, err)

	disposition, err := env.engine.HandlePacket(context.Background(), model.Packet{
		Protocol: "tcp", SrcIP: "203.0.113.7", SrcPort: 50000, DstIP: "10.0.0.1", DstPort: 445,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispositionDeny, disposition)

	alerts, total, err := env.engine.ListAlerts(store.AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
}

func TestMostSpecificRuleWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)
	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Port: 22, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)
	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionAllow, Source: "192.168.1.5"}, env.adminID)
	require.NoError(t, err)

	// Source match outranks the port and protocol denies.
	disposition, rule, err := env.engine.ClassifyPacket(model.Packet{
		Protocol: "tcp", SrcIP: "192.168.1.5", DstIP: "10.0.0.1", DstPort: 22,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispositionAllow, disposition)
	require.NotNil(t, rule)
	assert.Equal(t, "192.168.1.5", rule.Source)

	// Any other source hits the port deny.
	disposition, rule, err = env.engine.ClassifyPacket(model.Packet{
		Protocol: "tcp", SrcIP: "1.2.3.4", DstIP: "10.0.0.1", DstPort: 22,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispositionDeny, disposition)
	require.NotNil(t, rule)
	assert.Equal(t, 22, rule.Port)
}

func TestRepeatOffenderEscalatesToCritical(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.SetSuspiciousAction(model.SuspiciousReject, env.adminID))

	pkt := model.Packet{Protocol: "tcp", SrcIP: "203.0.113.7", DstIP: "10.0.0.1", DstPort: 8080}
	for i := 0; i < 3; i++ {
		_, err := env.engine.HandlePacket(context.Background(), pkt)
		require.NoError(t, err)
	}

	alerts, _, err := env.engine.ListAlerts(store.AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	// Newest first: the third reject crossed the threshold.
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, model.SeverityWarning, alerts[1].Severity)
	assert.Equal(t, model.SeverityWarning, alerts[2].Severity)
}

func TestSuspiciousQuarantineDivertsPacket(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.SetSuspiciousAction(model.SuspiciousQuarantine, env.adminID))

	disposition, err := env.engine.HandlePacket(context.Background(), model.Packet{
		Protocol: "udp", SrcIP: "198.51.100.3", DstIP: "10.0.0.1", DstPort: 9999, Size: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispositionQuarantine, disposition)

	packets, err := env.engine.ListQuarantinedPackets(0, 10)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, "198.51.100.3", packets[0].Source)
}

func TestQuarantinedPacketReleaseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.SetSuspiciousAction(model.SuspiciousQuarantine, env.adminID))
	_, err := env.engine.HandlePacket(context.Background(), model.Packet{
		Protocol: "udp", SrcIP: "198.51.100.3", DstIP: "10.0.0.1", DstPort: 9999,
	})
	require.NoError(t, err)
	packets, err := env.engine.ListQuarantinedPackets(0, 10)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	require.NoError(t, env.engine.ReleaseQuarantinedPacket(context.Background(), packets[0].ID, env.adminID))
	err = env.engine.DeleteQuarantinedPacket(context.Background(), packets[0].ID, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestThreatLevelCriticalRequiresTwoCriticals(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.engine.RaiseAlert(model.AlertIntrusion, model.SeverityCritical, "first", "", "host")
	require.NoError(t, err)
	assert.Equal(t, model.ThreatHigh, env.engine.ThreatLevel())

	_, err = env.engine.RaiseAlert(model.AlertIntrusion, model.SeverityCritical, "second", "", "host")
	require.NoError(t, err)
	assert.Equal(t, model.ThreatCritical, env.engine.ThreatLevel())

	// Resolving one of the two moves the level away from critical.
	_, err = env.engine.ResolveAlert(first.ID, env.userID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreatHigh, env.engine.ThreatLevel())
}

func TestResourcePressureFeedsThreatLevel(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, model.ThreatLow, env.engine.ThreatLevel())

	env.engine.SetResourcePressure(model.ThreatMedium, false)
	assert.Equal(t, model.ThreatMedium, env.engine.ThreatLevel())

	// A partial sample discounts the reading one step.
	env.engine.SetResourcePressure(model.ThreatMedium, true)
	assert.Equal(t, model.ThreatLow, env.engine.ThreatLevel())
}

func TestRuleValidationRejectsMixedDimensions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Source: "1.2.3.4", Port: 80}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Port: 70000}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: "explode", Port: 80}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRemoveRuleByNumber(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Port: 23, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)
	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionAllow, Port: 443, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)

	require.NoError(t, env.engine.RemoveRuleByNumber(ctx, 1, env.adminID))

	rules, err := env.engine.ListRules(false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 443, rules[0].Port)
	assert.Equal(t, 1, rules[0].Number, "numbering gap closes after removal")

	err = env.engine.RemoveRuleByNumber(ctx, 9, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestRemoveRuleMatching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Source: "203.0.113.7"}, env.adminID)
	require.NoError(t, err)
	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Port: 23, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)
	_, err = env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionAllow, Protocol: "icmp"}, env.adminID)
	require.NoError(t, err)

	removed, err := env.engine.RemoveRuleMatching(ctx, RuleSelector{Port: 23, Protocol: "TCP"}, env.adminID)
	require.NoError(t, err)
	assert.Equal(t, 23, removed.Port)

	removed, err = env.engine.RemoveRuleMatching(ctx, RuleSelector{Source: "203.0.113.7"}, env.adminID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", removed.Source)

	removed, err = env.engine.RemoveRuleMatching(ctx, RuleSelector{Protocol: "icmp"}, env.adminID)
	require.NoError(t, err)
	assert.Equal(t, "icmp", removed.Protocol)

	rules, err := env.engine.ListRules(false)
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = env.engine.RemoveRuleMatching(ctx, RuleSelector{Source: "198.51.100.9"}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = env.engine.RemoveRuleMatching(ctx, RuleSelector{Source: "198.51.100.9", Port: 80}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = env.engine.RemoveRuleMatching(ctx, RuleSelector{}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestFailedRuleApplyChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.backend.FailNext = true

	_, err := env.engine.AddRule(context.Background(), model.FirewallRule{
		Action: model.ActionDeny, Port: 23, Protocol: "tcp",
	}, env.adminID)
	assert.True(t, errors.IsKind(err, errors.KindEnforcement))

	rules, err := env.engine.ListRules(false)
	require.NoError(t, err)
	assert.Empty(t, rules, "no rule persisted after a failed backend apply")
}

func TestReloadPrefersGroundTruth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.engine.AddRule(ctx, model.FirewallRule{
		Action: model.ActionDeny, Port: 23, Protocol: "tcp", Description: "no telnet",
	}, env.adminID)
	require.NoError(t, err)

	// A rule added behind our back shows up after reload; the described rule
	// keeps its identity.
	require.NoError(t, env.backend.ApplyRule(ctx, model.FirewallRule{Action: model.ActionAllow, Port: 80, Protocol: "tcp"}))

	merged, err := env.engine.ReloadFirewall(ctx, env.adminID)
	require.NoError(t, err)
	require.Len(t, merged, 2)

	rules, err := env.engine.ListRules(false)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	byPort := map[int]model.FirewallRule{rules[0].Port: rules[0], rules[1].Port: rules[1]}
	assert.Equal(t, created.ID, byPort[23].ID)
	assert.Equal(t, "no telnet", byPort[23].Description)
	assert.NotEmpty(t, byPort[80].ID)
}

func TestFirewallToggleAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.EnableFirewall(ctx, env.adminID))
	// Enabling twice is a no-op success.
	require.NoError(t, env.engine.EnableFirewall(ctx, env.adminID))

	enabled, status, err := env.engine.FirewallStatus(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Contains(t, status, "active")

	require.NoError(t, env.engine.DisableFirewall(ctx, env.adminID))
	enabled, _, err = env.engine.FirewallStatus(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestFirewallControlRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.SetPolicy(context.Background(), model.PolicyDenyAll, env.userID)
	assert.True(t, errors.IsKind(err, errors.KindAuthorization))
	assert.Equal(t, model.PolicyCustom, env.engine.PolicyMode(), "denied command changes nothing")
}

func TestLogCommentThread(t *testing.T) {
	env := newTestEnv(t)
	entry := &model.LogEntry{Level: model.LogInfo, Category: model.CategoryUser, Message: "manual note"}
	require.NoError(t, env.engine.CreateLogEntry(entry, env.userID))

	_, err := env.engine.AddLogComment(entry.ID, "looking into it", env.userID)
	require.NoError(t, err)
	_, err = env.engine.AddLogComment(entry.ID, "false positive", env.adminID)
	require.NoError(t, err)

	fetched, err := env.store.GetLog(entry.ID)
	require.NoError(t, err)
	require.Len(t, fetched.Comments, 2)
	assert.Equal(t, "looking into it", fetched.Comments[0].Comment)
}
