package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/enforce"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/monitors/sampler"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

type apiEnv struct {
	server   *Server
	ts       *httptest.Server
	engine   *policy.Engine
	store    *store.Store
	adminID  string
	viewerID string
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	engine := policy.NewEngine(config.NetworkConfig{RejectThreshold: 3, RejectWindow: time.Minute}, st, enforcer, bus, logger)

	smp := sampler.NewSampler(config.SamplerConfig{
		Interval:         time.Minute,
		AlertCooldown:    5 * time.Minute,
		ThresholdPercent: 101, // never breach during tests
	}, engine, st, bus, logger)
	t.Cleanup(smp.Stop)

	srv := NewServer("0", engine, smp, st, bus, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	admin, err := st.GetUserByUsername("admin")
	require.NoError(t, err)

	viewer := &model.User{Username: "viewer", Role: model.RoleUser, IsActive: true}
	require.NoError(t, st.CreateUser(viewer))

	return &apiEnv{server: srv, ts: ts, engine: engine, store: st, adminID: admin.ID, viewerID: viewer.ID}
}

func (env *apiEnv) do(t *testing.T, method, path, actor string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.ts.URL+path, &buf)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestSystemStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodGet, "/api/system/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status model.SystemStatus
	decode(t, resp, &status)
	assert.False(t, status.Timestamp.IsZero())
	assert.NotEmpty(t, status.ThreatLevel)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	alert, err := env.engine.RaiseAlert(model.AlertNetwork, model.SeverityWarning, "Connection blocked", "test", "netwatch")
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/alerts?type=network", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []model.Alert `json:"items"`
		Total int64         `json:"total"`
	}
	decode(t, resp, &list)
	require.EqualValues(t, 1, list.Total)

	resp = env.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", env.adminID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Alert
	decode(t, resp, &updated)
	assert.Equal(t, model.AlertAcknowledged, updated.Status)
	assert.Equal(t, env.adminID, updated.AssignedTo)

	// Acknowledging twice is a state conflict.
	resp = env.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", env.adminID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", env.adminID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", env.adminID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMissingAlertReturnsNotFound(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/alerts/no-such-id/resolve", env.adminID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNonAdminCannotCreateUser(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/users", env.viewerID, map[string]string{
		"username": "intruder",
		"role":     "admin",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err := env.store.GetUserByUsername("intruder")
	assert.Error(t, err)

	logs, _, err := env.store.ListLogs(store.LogFilter{Category: model.CategorySecurity, Level: model.LogError})
	require.NoError(t, err)
	found := false
	for _, entry := range logs {
		if strings.Contains(entry.Message, "admin required") {
			found = true
		}
	}
	assert.True(t, found, "denied privileged call should leave a security log")

	resp = env.do(t, http.MethodPost, "/api/users", env.adminID, map[string]string{
		"username": "operator",
		"role":     "user",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.User
	decode(t, resp, &created)
	assert.True(t, created.IsActive)
}

func TestUnknownActorIsRejected(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/firewall/enable", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProtectedFileEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("k=v\n"), 0o644))

	resp := env.do(t, http.MethodPost, "/api/files/protected", env.adminID, map[string]interface{}{
		"path":            path,
		"file_type":       "file",
		"alert_on_write":  true,
		"alert_on_delete": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var pf model.ProtectedFile
	decode(t, resp, &pf)
	assert.Equal(t, model.FileProtected, pf.Status)

	// Duplicate protection conflicts.
	resp = env.do(t, http.MethodPost, "/api/files/protected", env.adminID, map[string]interface{}{
		"path":      path,
		"file_type": "file",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/files/protected/"+pf.ID+"/lock", env.adminID, map[string]string{
		"reason": "incident response",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var locked model.ProtectedFile
	decode(t, resp, &locked)
	assert.Equal(t, model.FileLocked, locked.Status)
	assert.Equal(t, "incident response", locked.LockReason)

	resp = env.do(t, http.MethodPost, "/api/files/protected/"+pf.ID+"/unlock", env.adminID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/files/protected/"+pf.ID, env.adminID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/files/protected", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, resp, &list)
	assert.Zero(t, list.Total)
}

func TestRuleEndpointValidation(t *testing.T) {
	env := newAPIEnv(t)

	// Source and port are exclusive dimensions.
	resp := env.do(t, http.MethodPost, "/api/network/rules", env.adminID, map[string]interface{}{
		"action": "deny",
		"source": "203.0.113.7",
		"port":   80,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/network/rules", env.viewerID, map[string]interface{}{
		"action": "deny",
		"port":   445,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/network/rules", env.adminID, map[string]interface{}{
		"action":   "deny",
		"port":     445,
		"protocol": "tcp",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rule model.FirewallRule
	decode(t, resp, &rule)
	assert.Equal(t, 1, rule.Number)

	resp = env.do(t, http.MethodDelete, "/api/network/rules/99", env.adminID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/network/rules/1", env.adminID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoveRuleByDimension(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/network/rules", env.adminID, map[string]interface{}{
		"action": "deny",
		"source": "203.0.113.7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/network/rules", env.adminID, map[string]interface{}{
		"action":   "deny",
		"port":     445,
		"protocol": "tcp",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/network/rules?port=445&protocol=tcp", env.adminID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var removed model.FirewallRule
	decode(t, resp, &removed)
	assert.Equal(t, 445, removed.Port)

	// Selectors name exactly one dimension.
	resp = env.do(t, http.MethodDelete, "/api/network/rules?source=203.0.113.7&port=80", env.adminID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/network/rules?source=198.51.100.9", env.adminID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/network/rules?source=203.0.113.7", env.viewerID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/network/rules?source=203.0.113.7", env.adminID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/logs", env.adminID, map[string]string{
		"level":    "info",
		"category": "user",
		"message":  "maintenance window opened",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry model.LogEntry
	decode(t, resp, &entry)
	require.NotEmpty(t, entry.ID)

	resp = env.do(t, http.MethodPost, "/api/logs/"+entry.ID+"/comments", env.adminID, map[string]string{
		"comment": "window closed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/logs?category=user", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []model.LogEntry `json:"items"`
		Total int64            `json:"total"`
	}
	decode(t, resp, &list)
	require.EqualValues(t, 1, list.Total)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newAPIEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot events.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, events.TopicSystemStatus, snapshot.Topic)

	_, err = env.engine.RaiseAlert(model.AlertIntrusion, model.SeverityCritical, "Test intrusion", "ws test", "test")
	require.NoError(t, err)

	for {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Topic == events.TopicNewAlert {
			return
		}
	}
}
