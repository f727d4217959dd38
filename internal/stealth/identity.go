// Package stealth composes pacing, rate limiting and identity rotation into
// a polite outbound fetch client.
package stealth

import (
	"errors"
	"sync/atomic"
)

// ErrNoIdentities signals an empty identity pool, a configuration error.
var ErrNoIdentities = errors.New("identity pool is empty")

// IdentityRotator hands out user-agent strings round-robin. The pool is
// immutable after construction; only the cursor advances, atomically.
type IdentityRotator struct {
	identities []string
	next       atomic.Uint64
}

// NewIdentityRotator builds a rotator over the given pool.
func NewIdentityRotator(identities []string) (*IdentityRotator, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	return &IdentityRotator{
		identities: append([]string(nil), identities...),
	}, nil
}

// Next returns the next identity in round-robin order. Safe for concurrent use.
func (r *IdentityRotator) Next() string {
	n := r.next.Add(1) - 1
	return r.identities[n%uint64(len(r.identities))]
}
