package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// LogFilter narrows and paginates log listings.
type LogFilter struct {
	Level    model.LogLevel
	Category model.LogCategory
	Offset   int
	Limit    int
}

// CreateLog persists an audit log entry.
func (s *Store) CreateLog(e *model.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.Create(e).Error
}

// GetLog fetches one log entry with its comment thread.
func (s *Store) GetLog(id string) (*model.LogEntry, error) {
	var e model.LogEntry
	if err := s.db.Preload("Comments", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getLog", "log entry %s not found", id)
	}
	return &e, nil
}

// ListLogs returns log entries matching the filter, newest first, with
// comment threads preloaded, plus the total matching count.
func (s *Store) ListLogs(f LogFilter) ([]model.LogEntry, int64, error) {
	q := s.db.Model(&model.LogEntry{})
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 100
	}
	var entries []model.LogEntry
	err := q.Preload("Comments").
		Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&entries).Error
	return entries, total, err
}

// AddLogComment appends a comment to an existing log entry. Comments are
// append-only; there is no edit or delete.
func (s *Store) AddLogComment(logID string, c *model.LogComment) error {
	if _, err := s.GetLog(logID); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.LogID = logID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.db.Create(c).Error
}
