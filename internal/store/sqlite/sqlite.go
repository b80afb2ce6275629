package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/silent-relay/internal/store"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests that need a custom schema or seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ApplySchema creates the tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== LicenseStore implementation ====

// CreateLicense inserts a trial license unless one already exists for installID.
func (s *SQLiteStore) CreateLicense(ctx context.Context, installID string, createdAt, trialExpiresAt time.Time) (*store.License, bool, error) {
	query := `
		INSERT INTO licenses (install_id, tier, created_at, trial_expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(install_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, installID, string(store.TierTrial), createdAt.UTC(), trialExpiresAt.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("insert license: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}

	lic, err := s.GetLicense(ctx, installID)
	if err != nil {
		return nil, false, err
	}
	return lic, affected == 1, nil
}

// GetLicense retrieves a license by install id.
func (s *SQLiteStore) GetLicense(ctx context.Context, installID string) (*store.License, error) {
	query := `
		SELECT id, install_id, tier, created_at, trial_expires_at, activated_at
		FROM licenses
		WHERE install_id = ?
	`
	var (
		lic       store.License
		tier      string
		activated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, installID).Scan(
		&lic.ID,
		&lic.InstallID,
		&tier,
		&lic.CreatedAt,
		&lic.TrialExpiresAt,
		&activated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("license %q: %w", installID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query license: %w", err)
	}

	lic.Tier = store.Tier(tier)
	if activated.Valid {
		at := activated.Time
		lic.ActivatedAt = &at
	}
	return &lic, nil
}

// ActivateLicense promotes a license to the paid tier.
func (s *SQLiteStore) ActivateLicense(ctx context.Context, installID string, at time.Time) (*store.License, error) {
	query := `
		UPDATE licenses
		SET tier = ?, activated_at = COALESCE(activated_at, ?)
		WHERE install_id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(store.TierPaid), at.UTC(), installID)
	if err != nil {
		return nil, fmt.Errorf("activate license: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("license %q: %w", installID, store.ErrNotFound)
	}

	return s.GetLicense(ctx, installID)
}
