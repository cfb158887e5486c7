package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// CreateProtectedFile persists a new protection record.
func (s *Store) CreateProtectedFile(f *model.ProtectedFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return s.db.Create(f).Error
}

// GetProtectedFile fetches one protection record by id.
func (s *Store) GetProtectedFile(id string) (*model.ProtectedFile, error) {
	var f model.ProtectedFile
	if err := s.db.First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getProtectedFile", "protected file %s not found", id)
	}
	return &f, nil
}

// GetProtectedFileByPath fetches the protection record for an exact path.
func (s *Store) GetProtectedFileByPath(path string) (*model.ProtectedFile, error) {
	var f model.ProtectedFile
	if err := s.db.First(&f, "path = ?", path).Error; err != nil {
		return nil, notFound(err, "getProtectedFileByPath", "path %s is not protected", path)
	}
	return &f, nil
}

// UpdateProtectedFile saves a mutated protection record.
func (s *Store) UpdateProtectedFile(f *model.ProtectedFile) error {
	return s.db.Save(f).Error
}

// DeleteProtectedFile removes a protection record.
func (s *Store) DeleteProtectedFile(id string) error {
	res := s.db.Delete(&model.ProtectedFile{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundRows("deleteProtectedFile", "protected file %s not found", id)
	}
	return nil
}

// ListProtectedFiles returns protection records, optionally filtered by
// status, newest first.
func (s *Store) ListProtectedFiles(status model.FileStatus) ([]model.ProtectedFile, error) {
	q := s.db.Model(&model.ProtectedFile{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var files []model.ProtectedFile
	err := q.Order("created_at DESC").Find(&files).Error
	return files, err
}
