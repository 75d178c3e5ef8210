// Package lease implements the exclusive edit lease of a session:
// Unlocked -> Leased(holder, expiry) -> Unlocked.
//
// Expiry is soft and checked lazily on the next request; there is no
// sweeper. A Lease is not safe for concurrent use; it belongs to the session
// goroutine that owns it.
package lease

import (
	"time"

	"storyboard/pkg/types"
)

// DefaultDuration is how long a grant lasts before others may reclaim it.
const DefaultDuration = 30 * time.Second

// Decision is the outcome of a Request.
type Decision struct {
	Granted bool
	// Expiry is set on a grant.
	Expiry time.Time
	// CurrentEditor is the recorded holder on a denial, possibly empty.
	CurrentEditor string
	// Reason explains a denial.
	Reason error
	// Takeover is set when the grant reclaimed another user's expired lease.
	Takeover string
}

type Lease struct {
	holder   string
	expiry   time.Time
	duration time.Duration
}

func New(duration time.Duration) *Lease {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Lease{duration: duration}
}

// Request grants the lease iff caps include edit and the lease is unlocked,
// already held by userID, or expired at now. A grant (or renewal) sets the
// expiry to now + duration.
func (l *Lease) Request(userID string, caps types.CapabilitySet, now time.Time) Decision {
	if !caps.Has(types.CapEdit) {
		return Decision{CurrentEditor: l.holder, Reason: ErrNoEditCapability}
	}
	if l.holder != "" && l.holder != userID && !now.After(l.expiry) {
		return Decision{CurrentEditor: l.holder, Reason: ErrHeldByOther}
	}

	var takeover string
	if l.holder != "" && l.holder != userID {
		takeover = l.holder
	}
	l.holder = userID
	l.expiry = now.Add(l.duration)
	return Decision{Granted: true, Expiry: l.expiry, Takeover: takeover}
}

// Release clears the lease if userID is the recorded holder, expired or not.
func (l *Lease) Release(userID string) bool {
	if l.holder == "" || l.holder != userID {
		return false
	}
	l.Clear()
	return true
}

// Clear resets to Unlocked regardless of holder.
func (l *Lease) Clear() {
	l.holder = ""
	l.expiry = time.Time{}
}

// State returns a copy of the lease state.
func (l *Lease) State() types.LeaseState {
	if l.holder == "" {
		return types.LeaseState{}
	}
	expiry := l.expiry
	return types.LeaseState{Holder: l.holder, Expiry: &expiry}
}

// Active reports whether some user holds an unexpired lease at now.
func (l *Lease) Active(now time.Time) bool {
	return l.holder != "" && !now.After(l.expiry)
}

// Holder returns the recorded holder, which may have expired.
func (l *Lease) Holder() string { return l.holder }

// CanEdit reports whether userID may submit an update at now: nobody else
// holds a live lease.
func (l *Lease) CanEdit(userID string, now time.Time) bool {
	return !l.Active(now) || l.holder == userID
}

func (l *Lease) Duration() time.Duration { return l.duration }
