package identity

import "time"

// Status is the definite classification of a client's registration.
type Status string

const (
	StatusValid        Status = "valid"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
	StatusUnregistered Status = "unregistered"
)

// ExpiringSoonWindow is how long before expiry an identity is reported as
// expiring_soon.
const ExpiringSoonWindow = 7 * 24 * time.Hour

// Classify returns the status of li at now.
func Classify(li LocalIdentity, now time.Time) Status {
	switch {
	case li.Expired(now):
		return StatusExpired
	case li.ExpiresAt.Sub(now) < ExpiringSoonWindow:
		return StatusExpiringSoon
	default:
		return StatusValid
	}
}
