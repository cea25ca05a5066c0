package domain

import "time"

// DeviceStatus mirrors the CIBA lifecycle for RFC 8628 device authorizations.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
	DeviceStatusExpired  DeviceStatus = "expired"
	// DeviceStatusRedeemed marks an approved authorization whose tokens were
	// collected; redemption is single-use.
	DeviceStatusRedeemed DeviceStatus = "redeemed"
)

// DeviceAuthorization is one pending device-code flow, polled at the token
// endpoint with the same pending/slow_down semantics as CIBA.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	TenantID   string
	ClientID   string

	Scopes []string

	Status       DeviceStatus
	ExpiresAt    time.Time
	Interval     time.Duration
	LastPolledAt time.Time

	SubjectID string
	SessionID string

	CreatedAt time.Time
}

// ExpiredAt reports whether a Pending authorization has outlived its window.
func (d *DeviceAuthorization) ExpiredAt(now time.Time) bool {
	return d.Status == DeviceStatusPending && now.After(d.ExpiresAt)
}
