// pkg/api/handlers.go
package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

func pagination(r *http.Request) (int, int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return offset, limit
}

func listResponse(items interface{}, total int64, offset, limit int) map[string]interface{} {
	return map[string]interface{}{
		"items":  items,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	}
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sampler.Latest(r.Context()))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	q := r.URL.Query()
	filter := store.AlertFilter{
		Type:     model.AlertType(q.Get("type")),
		Severity: model.AlertSeverity(q.Get("severity")),
		Status:   model.AlertStatus(q.Get("status")),
		Offset:   offset,
		Limit:    limit,
	}
	alerts, total, err := s.engine.ListAlerts(filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(alerts, total, offset, limit))
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.AcknowledgeAlert(mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.ResolveAlert(mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAssignAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssigneeID string `json:"assignee_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	alert, err := s.engine.AssignAlert(mux.Vars(r)["id"], body.AssigneeID, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListProtectedFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.engine.ListProtectedFiles(model.FileStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": files, "total": len(files)})
}

func (s *Server) handleAddProtectedFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path     string `json:"path"`
		FileType string `json:"file_type"`
		model.FileSettings
	}
	if !decodeBody(w, r, &body) {
		return
	}
	pf, err := s.engine.AddProtectedFile(body.Path, model.FileKind(body.FileType), body.FileSettings, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pf)
}

func (s *Server) handleUpdateFileSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.FileSettings
	if !decodeBody(w, r, &settings) {
		return
	}
	pf, err := s.engine.UpdateFileSettings(mux.Vars(r)["id"], settings, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) handleRemoveProtectedFile(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveProtectedFile(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleLockFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	pf, err := s.engine.LockFile(r.Context(), mux.Vars(r)["id"], body.Reason, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) handleUnlockFile(w http.ResponseWriter, r *http.Request) {
	pf, err := s.engine.UnlockFile(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) handleListQuarantinedFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.engine.ListQuarantinedFiles()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": files, "total": len(files)})
}

func (s *Server) handleRestoreQuarantinedFile(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RestoreQuarantinedFile(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleDeleteQuarantinedFile(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteQuarantinedFile(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	enabled, status, err := s.engine.FirewallStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":           enabled,
		"status":            status,
		"policy":            s.engine.PolicyMode(),
		"suspicious_action": s.engine.SuspiciousAction(),
		"threat_level":      s.engine.ThreatLevel(),
	})
}

func (s *Server) handleEnableFirewall(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.EnableFirewall(r.Context(), actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDisableFirewall(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DisableFirewall(r.Context(), actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleReloadFirewall(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.ReloadFirewall(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rules, "total": len(rules)})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.SetPolicy(r.Context(), model.FirewallPolicy(body.Mode), actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"policy": body.Mode})
}

func (s *Server) handleSetSuspiciousAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.SetSuspiciousAction(model.SuspiciousAction(body.Action), actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"suspicious_action": body.Action})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := s.engine.ListRules(activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rules, "total": len(rules)})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action      string `json:"action"`
		Source      string `json:"source"`
		Port        int    `json:"port"`
		Protocol    string `json:"protocol"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rule, err := s.engine.AddRule(r.Context(), model.FirewallRule{
		Action:      model.RuleAction(body.Action),
		Source:      body.Source,
		Port:        body.Port,
		Protocol:    body.Protocol,
		Description: body.Description,
	}, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rule number must be an integer"})
		return
	}
	if err := s.engine.RemoveRuleByNumber(r.Context(), number, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRemoveRuleMatching(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := policy.RuleSelector{
		Source:   q.Get("source"),
		Protocol: q.Get("protocol"),
	}
	if raw := q.Get("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "port must be an integer"})
			return
		}
		sel.Port = port
	}
	rule, err := s.engine.RemoveRuleMatching(r.Context(), sel, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListQuarantinedPackets(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	packets, err := s.engine.ListQuarantinedPackets(offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": packets, "offset": offset, "limit": limit})
}

func (s *Server) handleReleasePacket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReleaseQuarantinedPacket(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleDeletePacket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteQuarantinedPacket(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	q := r.URL.Query()
	logs, total, err := s.store.ListLogs(store.LogFilter{
		Level:    model.LogLevel(q.Get("level")),
		Category: model.LogCategory(q.Get("category")),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(logs, total, offset, limit))
}

func (s *Server) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level    string `json:"level"`
		Category string `json:"category"`
		Message  string `json:"message"`
		Details  string `json:"details"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	entry := &model.LogEntry{
		Level:    model.LogLevel(body.Level),
		Category: model.LogCategory(body.Category),
		Message:  body.Message,
		Details:  body.Details,
	}
	if err := s.engine.CreateLogEntry(entry, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleAddLogComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comment string `json:"comment"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	comment, err := s.engine.AddLogComment(mux.Vars(r)["id"], body.Comment, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": users, "total": len(users)})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	u := &model.User{
		Username: body.Username,
		Email:    body.Email,
		Role:     model.Role(body.Role),
	}
	if err := s.engine.CreateUser(u, actor(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role     string `json:"role"`
		IsActive bool   `json:"is_active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	u, err := s.engine.UpdateUserRole(mux.Vars(r)["id"], model.Role(body.Role), body.IsActive, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
