// Package db is the primary persistent store: gorm models and repository
// methods for projects, deployments, credentials, domains, tasks and runtime
// key-value settings.
//
// Repository methods are the narrow adapter between the engine and SQL; no
// other package builds queries. Connections come from a single gorm.DB
// created at startup with Open.
package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a uniqueness or
// protection invariant (domain already taken, last api key, ...).
var ErrConflict = errors.New("conflict")

// Store wraps the gorm handle with repository methods.
type Store struct {
	db *gorm.DB

	kv *kvCache
}

// Open connects to the primary store and migrates the schema.
func Open(dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return New(gdb), nil
}

// New wraps an existing gorm handle. Used by tests that manage their own
// connection lifecycle.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb, kv: newKVCache()}
}

// Migrate creates or updates the schema.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&Project{},
		&Deployment{},
		&DeploymentEnvVar{},
		&ProjectEnvVar{},
		&ProjectDomain{},
		&ProjectGithubRepo{},
		&APIKey{},
		&APIKeyUsage{},
		&APIKeyInvite{},
		&CORSOrigin{},
		&KeyValue{},
		&Task{},
		&CommandRun{},
		&GithubApp{},
		&GithubAppInstallation{},
		&GithubAppRepo{},
		&GithubPendingApp{},
		&SyslogURL{},
	)
}

// DB exposes the underlying handle for the task queue, which shares the
// store's transaction machinery.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn in a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// NewID returns an opaque 128-bit random identifier in hex.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func notFoundOr(err error, wrap string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", wrap, err)
}
