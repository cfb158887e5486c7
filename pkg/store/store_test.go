package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secerrors "github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SeedsDefaultAdmin(t *testing.T) {
	s := newTestStore(t)

	users, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Username)
	assert.Equal(t, model.RoleAdmin, users[0].Role)
	assert.True(t, users[0].IsActive)
}

func TestAlerts_CreateListFilter(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateAlert(&model.Alert{
		Type: model.AlertNetwork, Severity: model.SeverityCritical,
		Title: "blocked", Status: model.AlertActive,
	}))
	require.NoError(t, s.CreateAlert(&model.Alert{
		Type: model.AlertFile, Severity: model.SeverityWarning,
		Title: "write", Status: model.AlertActive,
	}))

	all, total, err := s.ListAlerts(AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	nw, total, err := s.ListAlerts(AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, nw, 1)
	assert.Equal(t, "blocked", nw[0].Title)

	n, err := s.CountUnresolvedCritical()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAlerts_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAlert("missing")
	assert.True(t, secerrors.IsKind(err, secerrors.KindNotFound))
}

func TestProtectedFiles_PathLookup(t *testing.T) {
	s := newTestStore(t)

	f := &model.ProtectedFile{
		Path: "/etc/hosts", Kind: model.KindFile, Status: model.FileProtected,
		FileSettings: model.FileSettings{AlertOnWrite: true},
	}
	require.NoError(t, s.CreateProtectedFile(f))

	got, err := s.GetProtectedFileByPath("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	require.NoError(t, s.DeleteProtectedFile(f.ID))
	err = s.DeleteProtectedFile(f.ID)
	assert.True(t, secerrors.IsKind(err, secerrors.KindNotFound))
}

func TestQuarantinedPackets_Terminal(t *testing.T) {
	s := newTestStore(t)

	p := &model.QuarantinedPacket{Source: "10.0.0.9", Destination: "10.0.0.1", Protocol: "TCP", Port: 445}
	require.NoError(t, s.CreateQuarantinedPacket(p))
	assert.Equal(t, "quarantined", p.Status)

	require.NoError(t, s.DeleteQuarantinedPacket(p.ID))

	// Release-then-delete (or any second terminal call) is NotFound.
	err := s.DeleteQuarantinedPacket(p.ID)
	assert.True(t, secerrors.IsKind(err, secerrors.KindNotFound))

	packets, err := s.ListQuarantinedPackets(0, 10)
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestLogs_CommentThread(t *testing.T) {
	s := newTestStore(t)

	e := &model.LogEntry{Level: model.LogWarning, Category: model.CategorySecurity, Message: "lock applied"}
	require.NoError(t, s.CreateLog(e))

	require.NoError(t, s.AddLogComment(e.ID, &model.LogComment{Comment: "first"}))
	require.NoError(t, s.AddLogComment(e.ID, &model.LogComment{Comment: "second"}))

	got, err := s.GetLog(e.ID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, "first", got.Comments[0].Comment)
	assert.Equal(t, "second", got.Comments[1].Comment)

	err = s.AddLogComment("missing", &model.LogComment{Comment: "orphan"})
	assert.True(t, secerrors.IsKind(err, secerrors.KindNotFound))
}

func TestLogs_Filter(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateLog(&model.LogEntry{Level: model.LogError, Category: model.CategorySecurity, Message: "a"}))
	require.NoError(t, s.CreateLog(&model.LogEntry{Level: model.LogInfo, Category: model.CategorySystem, Message: "b"}))

	entries, total, err := s.ListLogs(LogFilter{Level: model.LogError})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Message)
}

func TestRules_ReplaceReconciles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRule(&model.FirewallRule{Protocol: "tcp", Port: 22, Action: model.ActionAllow, Number: 1}))
	require.NoError(t, s.CreateRule(&model.FirewallRule{Protocol: "udp", Port: 53, Action: model.ActionAllow, Number: 2}))

	// Ground truth says only one rule survives.
	require.NoError(t, s.ReplaceRules([]model.FirewallRule{
		{Protocol: "tcp", Port: 443, Action: model.ActionDeny, Number: 1},
	}))

	rules, err := s.ListRules(false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 443, rules[0].Port)

	_, err = s.GetRuleByNumber(2)
	assert.True(t, secerrors.IsKind(err, secerrors.KindNotFound))
}
