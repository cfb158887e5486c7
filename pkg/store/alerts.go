package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// AlertFilter narrows and paginates alert listings. Zero values mean no
// filtering on that dimension.
type AlertFilter struct {
	Type     model.AlertType
	Severity model.AlertSeverity
	Status   model.AlertStatus
	Offset   int
	Limit    int
}

// CreateAlert persists a new alert, assigning an ID and timestamps when
// absent.
func (s *Store) CreateAlert(a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	return s.db.Create(a).Error
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(id string) (*model.Alert, error) {
	var a model.Alert
	if err := s.db.First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getAlert", "alert %s not found", id)
	}
	return &a, nil
}

// UpdateAlert saves a mutated alert record.
func (s *Store) UpdateAlert(a *model.Alert) error {
	a.UpdatedAt = time.Now()
	return s.db.Save(a).Error
}

// ListAlerts returns alerts matching the filter, newest first, plus the
// total matching count for pagination.
func (s *Store) ListAlerts(f AlertFilter) ([]model.Alert, int64, error) {
	q := s.db.Model(&model.Alert{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 100
	}
	var alerts []model.Alert
	err := q.Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&alerts).Error
	return alerts, total, err
}

// CountUnresolvedCritical counts critical alerts that are not yet resolved.
// Threat-level aggregation depends on this.
func (s *Store) CountUnresolvedCritical() (int64, error) {
	var n int64
	err := s.db.Model(&model.Alert{}).
		Where("severity = ? AND status <> ?", model.SeverityCritical, model.AlertResolved).
		Count(&n).Error
	return n, err
}

// CountActiveWarnings counts unresolved warning alerts.
func (s *Store) CountActiveWarnings() (int64, error) {
	var n int64
	err := s.db.Model(&model.Alert{}).
		Where("severity = ? AND status <> ?", model.SeverityWarning, model.AlertResolved).
		Count(&n).Error
	return n, err
}

// CountBlockedThreats counts resolved or acknowledged network alerts, the
// figure surfaced as blockedThreats in the system status.
func (s *Store) CountBlockedThreats() (int64, error) {
	var n int64
	err := s.db.Model(&model.Alert{}).
		Where("type = ?", model.AlertNetwork).
		Count(&n).Error
	return n, err
}
