package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrBindConflict = errors.New("license is bound to another hardware id")
	ErrNotBindable  = errors.New("license is no longer active")
)

// Store groups the record stores over one gorm handle. Inside Transaction the
// handle is the transaction, so every store commits or rolls back together.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Licenses() *LicenseStore {
	return &LicenseStore{db: s.db}
}

func (s *Store) Sessions() *SessionStore {
	return &SessionStore{db: s.db}
}

func (s *Store) Audit() *AuditStore {
	return &AuditStore{db: s.db}
}

func (s *Store) Users() *UserStore {
	return &UserStore{db: s.db}
}

// Transaction runs fn against a Store bound to a single database transaction
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
