package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Tier defines the license state of an installation.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierPaid    Tier = "paid"
	TierExpired Tier = "expired"
)

// License represents the persisted license of one installation.
type License struct {
	ID             int64
	InstallID      string
	Tier           Tier
	CreatedAt      time.Time
	TrialExpiresAt time.Time
	ActivatedAt    *time.Time // nil until promoted to paid
}

// LicenseStore handles license persistence.
type LicenseStore interface {
	// CreateLicense inserts a trial license unless one already exists for installID.
	// It returns the stored record and whether it was created by this call.
	CreateLicense(ctx context.Context, installID string, createdAt, trialExpiresAt time.Time) (*License, bool, error)

	// GetLicense retrieves a license by install id. Returns ErrNotFound if absent.
	GetLicense(ctx context.Context, installID string) (*License, error)

	// ActivateLicense promotes a license to the paid tier. The first activation instant is kept.
	ActivateLicense(ctx context.Context, installID string, at time.Time) (*License, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	LicenseStore

	// Close closes the underlying database connection.
	Close() error
}
