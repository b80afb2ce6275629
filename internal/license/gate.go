package license

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/core"
	"github.com/vovakirdan/silent-relay/internal/store"
)

// Gate allows relaying for installations with a running trial or a paid license.
type Gate struct {
	store store.LicenseStore
	clock clock.Clock
	log   zerolog.Logger
}

// NewGate builds a gate over the license store.
func NewGate(s store.LicenseStore, clk clock.Clock, logger *zerolog.Logger) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "license_gate").Logger()
	}
	return &Gate{store: s, clock: clk, log: l}
}

// Allow implements core.LicenseGate.
func (g *Gate) Allow(ctx context.Context, installID string) core.Decision {
	id, err := NormalizeInstallID(installID)
	if err != nil {
		return core.Deny(core.ErrCodeMissingInstallID)
	}

	lic, err := g.store.GetLicense(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.Deny(core.ErrCodeNotRegistered)
		}
		g.log.Error().Err(err).Msg("license lookup failed")
		return core.Deny(core.ErrCodeLicenseUnavailable)
	}

	if ViewOf(lic).Effective(g.clock.Now()) == store.TierExpired {
		return core.Deny(core.ErrCodeTrialExpired)
	}
	return core.Permit
}
