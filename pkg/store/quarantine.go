package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// CreateQuarantinedPacket persists a diverted packet record.
func (s *Store) CreateQuarantinedPacket(p *model.QuarantinedPacket) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = "quarantined"
	}
	return s.db.Create(p).Error
}

// GetQuarantinedPacket fetches one quarantined packet by id.
func (s *Store) GetQuarantinedPacket(id string) (*model.QuarantinedPacket, error) {
	var p model.QuarantinedPacket
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getQuarantinedPacket", "quarantined packet %s not found", id)
	}
	return &p, nil
}

// DeleteQuarantinedPacket removes a quarantined packet record. Release and
// delete are both terminal, so both end here; the id never reappears.
func (s *Store) DeleteQuarantinedPacket(id string) error {
	res := s.db.Delete(&model.QuarantinedPacket{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundRows("deleteQuarantinedPacket", "quarantined packet %s not found", id)
	}
	return nil
}

// ListQuarantinedPackets returns quarantined packets, newest first.
func (s *Store) ListQuarantinedPackets(offset, limit int) ([]model.QuarantinedPacket, error) {
	if limit <= 0 {
		limit = 100
	}
	var packets []model.QuarantinedPacket
	err := s.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&packets).Error
	return packets, err
}

// CreateQuarantinedFile persists an isolated file record.
func (s *Store) CreateQuarantinedFile(f *model.QuarantinedFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if f.Status == "" {
		f.Status = "quarantined"
	}
	return s.db.Create(f).Error
}

// GetQuarantinedFile fetches one quarantined file by id.
func (s *Store) GetQuarantinedFile(id string) (*model.QuarantinedFile, error) {
	var f model.QuarantinedFile
	if err := s.db.First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getQuarantinedFile", "quarantined file %s not found", id)
	}
	return &f, nil
}

// DeleteQuarantinedFile removes a quarantined file record.
func (s *Store) DeleteQuarantinedFile(id string) error {
	res := s.db.Delete(&model.QuarantinedFile{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundRows("deleteQuarantinedFile", "quarantined file %s not found", id)
	}
	return nil
}

// ListQuarantinedFiles returns quarantined files, newest first.
func (s *Store) ListQuarantinedFiles() ([]model.QuarantinedFile, error) {
	var files []model.QuarantinedFile
	err := s.db.Order("created_at DESC").Find(&files).Error
	return files, err
}

// CountQuarantinedFiles is surfaced in the system status snapshot.
func (s *Store) CountQuarantinedFiles() (int64, error) {
	var n int64
	err := s.db.Model(&model.QuarantinedFile{}).Count(&n).Error
	return n, err
}
