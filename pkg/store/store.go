// Package store persists the daemon's durable collections in SQLite. Each
// collection is independently keyed by generated UUID; the only cascade is
// log entry -> comments.
package store

import (
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	secerrors "github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

// Store owns the database handle shared by the per-collection accessors.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. An empty users table is seeded with a default admin so the
// daemon is operable on first start.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&model.Alert{},
		&model.ProtectedFile{},
		&model.FirewallRule{},
		&model.QuarantinedPacket{},
		&model.QuarantinedFile{},
		&model.LogEntry{},
		&model.LogComment{},
		&model.User{},
	); err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger.With().Str("component", "store").Logger()}
	if err := s.seedDefaultAdmin(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) seedDefaultAdmin() error {
	var count int64
	if err := s.db.Model(&model.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin := model.User{
		ID:        uuid.NewString(),
		Username:  "admin",
		Email:     "admin@localhost",
		Role:      model.RoleAdmin,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&admin).Error; err != nil {
		return err
	}
	s.logger.Info().Str("username", admin.Username).Msg("Seeded default admin user")
	return nil
}

// notFound converts gorm's record-not-found into the classified taxonomy.
func notFound(err error, op, format string, args ...interface{}) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return secerrors.NotFound(op, format, args...)
	}
	return err
}

// notFoundRows is the zero-rows-affected flavour of notFound for deletes.
func notFoundRows(op, format string, args ...interface{}) error {
	return secerrors.NotFound(op, format, args...)
}
