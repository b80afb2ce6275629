package license

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/store"
)

// StatusResponse describes an installation's license as reported to clients.
type StatusResponse struct {
	InstallID       string     `json:"install_id"`
	Status          store.Tier `json:"status"`
	TrialHoursTotal int        `json:"trial_hours_total"`
	TrialHoursLeft  float64    `json:"trial_hours_left"`
	CreatedAt       time.Time  `json:"created_at"`
	TrialExpiresAt  time.Time  `json:"trial_expires_at"`
	ActivatedAt     *time.Time `json:"activated_at"`
}

// Service registers installations and reports or changes their license.
type Service struct {
	store store.LicenseStore
	trial time.Duration
	clock clock.Clock
	log   zerolog.Logger
}

// NewService builds a license service granting trials of the given length.
func NewService(s store.LicenseStore, trial time.Duration, clk clock.Clock, logger *zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "license").Logger()
	}
	return &Service{store: s, trial: trial, clock: clk, log: l}
}

// Register returns the license for installID, starting a trial if none exists.
func (s *Service) Register(ctx context.Context, installID string) (StatusResponse, error) {
	id, err := NormalizeInstallID(installID)
	if err != nil {
		return StatusResponse{}, err
	}

	now := s.clock.Now()
	lic, created, err := s.store.CreateLicense(ctx, id, now, now.Add(s.trial))
	if err != nil {
		return StatusResponse{}, fmt.Errorf("register license: %w", err)
	}
	if created {
		s.log.Info().Str("install_id", id).Msg("trial started")
	}
	return s.describe(lic, now), nil
}

// Status reports the license for installID. Unknown ids return store.ErrNotFound.
func (s *Service) Status(ctx context.Context, installID string) (StatusResponse, error) {
	id, err := NormalizeInstallID(installID)
	if err != nil {
		return StatusResponse{}, err
	}

	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return StatusResponse{}, err
	}
	return s.describe(lic, s.clock.Now()), nil
}

// Activate promotes installID to the paid tier.
func (s *Service) Activate(ctx context.Context, installID string) (StatusResponse, error) {
	id, err := NormalizeInstallID(installID)
	if err != nil {
		return StatusResponse{}, err
	}

	now := s.clock.Now()
	lic, err := s.store.ActivateLicense(ctx, id, now)
	if err != nil {
		return StatusResponse{}, err
	}
	s.log.Info().Str("install_id", id).Msg("license activated")
	return s.describe(lic, now), nil
}

func (s *Service) describe(lic *store.License, now time.Time) StatusResponse {
	effective := ViewOf(lic).Effective(now)

	var left float64
	if effective == store.TierTrial {
		left = math.Max(0, lic.TrialExpiresAt.Sub(now).Hours())
	}

	return StatusResponse{
		InstallID:       lic.InstallID,
		Status:          effective,
		TrialHoursTotal: int(s.trial / time.Hour),
		TrialHoursLeft:  left,
		CreatedAt:       lic.CreatedAt,
		TrialExpiresAt:  lic.TrialExpiresAt,
		ActivatedAt:     lic.ActivatedAt,
	}
}
