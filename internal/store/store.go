// Package store is the persistence gateway: gorm models, connection setup,
// schema migration and the unit-of-work used by the chat core.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/logger"
)

type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres for postgres:// DSNs and to SQLite otherwise.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	serviceLog := log.With("service", "Store")

	gormLog := gormLogger.New(log, gormLogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormLogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
	cfg := &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == "sqlite" {
		// SQLite allows a single writer; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	serviceLog.Info("Connected to database", "dialect", db.Dialector.Name())
	return &Store{db: db, log: serviceLog}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_busy_timeout=5000"
}

// Migrate creates or updates every table the service uses.
func (s *Store) Migrate() error {
	s.log.Info("Auto migrating tables...")
	if err := s.db.AutoMigrate(
		&User{},
		&Credential{},
		&Chat{},
		&ChatParticipant{},
		&Message{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx runs fn inside a transaction bound to ctx. The transaction commits when
// fn returns nil and rolls back on error or panic.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// UserByID returns an existing user.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return User{}, apperr.Store(fmt.Sprintf("user %d", id), err)
	}
	return u, nil
}

// ActiveUser returns the user only if it exists and is active.
func (s *Store) ActiveUser(ctx context.Context, id int64) (User, error) {
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !u.IsActive {
		return User{}, apperr.NotFound("user %d is inactive", id)
	}
	return u, nil
}

// UserByUsername looks a user up by exact username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return User{}, apperr.Store(fmt.Sprintf("user %q", username), err)
	}
	return u, nil
}

// UsersByID loads the given users keyed by id. Missing ids are omitted.
func (s *Store) UsersByID(ctx context.Context, ids []int64) (map[int64]User, error) {
	out := make(map[int64]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, apperr.Store("load users", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// CreateUser inserts a new active user.
func (s *Store) CreateUser(ctx context.Context, username, fullName string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, apperr.Invalid("username is required")
	}
	u := User{Username: username, FullName: fullName, IsActive: true}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return User{}, apperr.Store(fmt.Sprintf("create user %q", username), err)
	}
	return u, nil
}

// SetActive toggles whether a user may chat.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return apperr.Store(fmt.Sprintf("update user %d", id), res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user %d", id)
	}
	return nil
}

// SetPasswordHash stores or replaces the credential of a user.
func (s *Store) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	cred := Credential{UserID: userID, PasswordHash: hash}
	err := s.db.WithContext(ctx).Save(&cred).Error
	return apperr.Store(fmt.Sprintf("save credential for user %d", userID), err)
}

// PasswordHash returns the stored credential of a user.
func (s *Store) PasswordHash(ctx context.Context, userID int64) (string, error) {
	var cred Credential
	if err := s.db.WithContext(ctx).First(&cred, "user_id = ?", userID).Error; err != nil {
		return "", apperr.Store(fmt.Sprintf("credential for user %d", userID), err)
	}
	return cred.PasswordHash, nil
}
