package fsm

import "time"

// LeaseStatus is the outcome of a lease check.
type LeaseStatus int

const (
	// LeaseNotRequired means no lease is recorded for the entity.
	LeaseNotRequired LeaseStatus = iota
	// LeaseValid means the caller holds the current, unexpired lease.
	LeaseValid
	// LeaseInvalid means a lease is recorded and the caller does not hold it.
	LeaseInvalid
)

func (s LeaseStatus) String() string {
	switch s {
	case LeaseNotRequired:
		return "no_lease_required"
	case LeaseValid:
		return "valid"
	default:
		return "invalid"
	}
}

// Authorized reports whether the caller may mutate the entity.
func (s LeaseStatus) Authorized() bool {
	return s != LeaseInvalid
}

// Lease is an advisory token granting transition rights until ExpiresAt.
type Lease struct {
	ID        string    `json:"leaseId"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EvaluateLease checks a caller's lease against the persisted row.
func EvaluateLease(st *State, leaseID string, epoch int64, now time.Time) LeaseStatus {
	if st == nil || !st.HasLease() {
		return LeaseNotRequired
	}
	if *st.LeaseID != leaseID || st.LeaseEpoch != epoch {
		return LeaseInvalid
	}
	if st.LeaseExpiresAt == nil || !st.LeaseExpiresAt.After(now) {
		return LeaseInvalid
	}
	return LeaseValid
}
