// pkg/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/monitors/sampler"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// actorHeader carries the caller identity. Authentication happens upstream;
// the engine decides whether that identity may perform each command.
const actorHeader = "X-Actor"

// Server exposes the query/command surface and the event stream over HTTP.
type Server struct {
	engine   *policy.Engine
	sampler  *sampler.Sampler
	store    *store.Store
	bus      *events.Bus
	logger   zerolog.Logger
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds the HTTP server. Start must be called to begin serving.
func NewServer(port string, engine *policy.Engine, smp *sampler.Sampler, st *store.Store, bus *events.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  engine,
		sampler: smp,
		store:   st,
		bus:     bus,
		logger:  logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:    ":" + port,
		Handler: s.Router(),
	}
	return s
}

// Router wires every endpoint. Exposed separately so tests can drive the
// handler tree without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/system/status", s.handleSystemStatus).Methods(http.MethodGet)

	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/assign", s.handleAssignAlert).Methods(http.MethodPost)

	api.HandleFunc("/files/protected", s.handleListProtectedFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/protected", s.handleAddProtectedFile).Methods(http.MethodPost)
	api.HandleFunc("/files/protected/{id}", s.handleUpdateFileSettings).Methods(http.MethodPatch)
	api.HandleFunc("/files/protected/{id}", s.handleRemoveProtectedFile).Methods(http.MethodDelete)
	api.HandleFunc("/files/protected/{id}/lock", s.handleLockFile).Methods(http.MethodPost)
	api.HandleFunc("/files/protected/{id}/unlock", s.handleUnlockFile).Methods(http.MethodPost)
	api.HandleFunc("/files/quarantined", s.handleListQuarantinedFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/quarantined/{id}/restore", s.handleRestoreQuarantinedFile).Methods(http.MethodPost)
	api.HandleFunc("/files/quarantined/{id}", s.handleDeleteQuarantinedFile).Methods(http.MethodDelete)

	api.HandleFunc("/firewall/status", s.handleFirewallStatus).Methods(http.MethodGet)
	api.HandleFunc("/firewall/enable", s.handleEnableFirewall).Methods(http.MethodPost)
	api.HandleFunc("/firewall/disable", s.handleDisableFirewall).Methods(http.MethodPost)
	api.HandleFunc("/firewall/reload", s.handleReloadFirewall).Methods(http.MethodPost)
	api.HandleFunc("/firewall/policy", s.handleSetPolicy).Methods(http.MethodPost)
	api.HandleFunc("/firewall/suspicious-action", s.handleSetSuspiciousAction).Methods(http.MethodPost)

	api.HandleFunc("/network/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/network/rules", s.handleAddRule).Methods(http.MethodPost)
	api.HandleFunc("/network/rules", s.handleRemoveRuleMatching).Methods(http.MethodDelete)
	api.HandleFunc("/network/rules/{number}", s.handleRemoveRule).Methods(http.MethodDelete)
	api.HandleFunc("/network/quarantined", s.handleListQuarantinedPackets).Methods(http.MethodGet)
	api.HandleFunc("/network/quarantined/{id}/release", s.handleReleasePacket).Methods(http.MethodPost)
	api.HandleFunc("/network/quarantined/{id}", s.handleDeletePacket).Methods(http.MethodDelete)

	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleCreateLog).Methods(http.MethodPost)
	api.HandleFunc("/logs/{id}/comments", s.handleAddLogComment).Methods(http.MethodPost)

	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/role", s.handleUpdateUserRole).Methods(http.MethodPatch)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("API server starting")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actor(r *http.Request) string {
	return r.Header.Get(actorHeader)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy onto HTTP status codes. Unclassified
// errors stay opaque to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindAuthorization:
		status = http.StatusForbidden
	case errors.KindEnforcement:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
