package core

import "context"

// Decision is the outcome of a license check.
type Decision struct {
	Permit bool
	// Reason is an error code set when Permit is false.
	Reason string
}

// Permit is the decision that allows relaying.
var Permit = Decision{Permit: true}

// Deny builds a negative decision with the given reason code.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// LicenseGate decides whether an installation may relay application messages.
// It is consulted at most once per application frame and must not block for long.
type LicenseGate interface {
	Allow(ctx context.Context, installID string) Decision
}

// LicenseGateFunc adapts a function to LicenseGate.
type LicenseGateFunc func(ctx context.Context, installID string) Decision

// Allow calls f.
func (f LicenseGateFunc) Allow(ctx context.Context, installID string) Decision {
	return f(ctx, installID)
}
