// Package license evaluates installation trials and gates relaying on them.
package license

import (
	"errors"
	"strings"
	"time"

	"github.com/vovakirdan/silent-relay/internal/store"
)

// ErrInvalidInstallID is returned for an empty install id.
var ErrInvalidInstallID = errors.New("install_id is required")

// View is the license state needed to decide whether an installation may relay.
type View struct {
	Tier           store.Tier
	TrialExpiresAt time.Time
}

// ViewOf extracts the view from a stored license.
func ViewOf(lic *store.License) View {
	return View{Tier: lic.Tier, TrialExpiresAt: lic.TrialExpiresAt}
}

// Effective returns the tier in force at now. A trial whose expiry has passed is expired.
func (v View) Effective(now time.Time) store.Tier {
	switch v.Tier {
	case store.TierPaid:
		return store.TierPaid
	case store.TierTrial:
		if !now.Before(v.TrialExpiresAt) {
			return store.TierExpired
		}
		return store.TierTrial
	default:
		return store.TierExpired
	}
}

// NormalizeInstallID trims whitespace and rejects empty ids.
func NormalizeInstallID(installID string) (string, error) {
	id := strings.TrimSpace(installID)
	if id == "" {
		return "", ErrInvalidInstallID
	}
	return id, nil
}
