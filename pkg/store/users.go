package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// CreateUser persists a new user record.
func (s *Store) CreateUser(u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return s.db.Create(u).Error
}

// GetUser fetches one user by id.
func (s *Store) GetUser(id string) (*model.User, error) {
	var u model.User
	if err := s.db.First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getUser", "user %s not found", id)
	}
	return &u, nil
}

// GetUserByUsername fetches one user by username.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	var u model.User
	if err := s.db.First(&u, "username = ?", username).Error; err != nil {
		return nil, notFound(err, "getUserByUsername", "user %q not found", username)
	}
	return &u, nil
}

// UpdateUser saves a mutated user record.
func (s *Store) UpdateUser(u *model.User) error {
	return s.db.Save(u).Error
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers() ([]model.User, error) {
	var users []model.User
	err := s.db.Order("created_at ASC").Find(&users).Error
	return users, err
}
