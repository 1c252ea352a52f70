package docstore

import "time"

// Lifetime stamps and recomputes absolute expiry for expiring entities.
type Lifetime struct {
	ttl   time.Duration
	clock func() time.Time
}

// NewLifetime constructs a Lifetime with the given full TTL.
func NewLifetime(ttl time.Duration, clock func() time.Time) Lifetime {
	if clock == nil {
		clock = time.Now
	}
	return Lifetime{ttl: ttl, clock: clock}
}

// TTL returns the full lifetime granted at creation.
func (l Lifetime) TTL() time.Duration {
	return l.ttl
}

// Start returns the creation instant and the expiry it implies.
func (l Lifetime) Start() (now, expiresAt time.Time) {
	now = l.clock().UTC()
	return now, now.Add(l.ttl)
}

// Remaining returns max(0, expiresAt - now). Rewrites apply this, never the full TTL, so an
// edit cannot push a record past its original expiry.
func (l Lifetime) Remaining(expiresAt time.Time) time.Duration {
	remaining := expiresAt.Sub(l.clock())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether expiresAt has been reached.
func (l Lifetime) Expired(expiresAt time.Time) bool {
	return !l.clock().Before(expiresAt)
}
