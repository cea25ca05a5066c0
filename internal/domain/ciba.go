package domain

import "time"

// CibaStatus is the lifecycle state of a backchannel authentication request.
type CibaStatus string

const (
	CibaStatusPending  CibaStatus = "pending"
	CibaStatusApproved CibaStatus = "approved"
	CibaStatusDenied   CibaStatus = "denied"
	CibaStatusExpired  CibaStatus = "expired"
	// CibaStatusRedeemed marks an approved request whose tokens were collected;
	// redemption is single-use.
	CibaStatusRedeemed CibaStatus = "redeemed"
)

// Terminal reports whether the request can no longer change state.
func (s CibaStatus) Terminal() bool {
	return s != CibaStatusPending
}

// CibaRequest is one backchannel authentication request. It is created Pending,
// resolved exactly once by approval, denial, or expiry, and an approved request
// is redeemed at most once.
type CibaRequest struct {
	AuthReqID string
	TenantID  string
	ClientID  string

	Scopes         []string
	BindingMessage string
	UserCode       string
	LoginHint      string

	Status    CibaStatus
	ExpiresAt time.Time
	Interval  time.Duration

	// LastPolledAt drives the slow_down discipline at the token endpoint.
	LastPolledAt time.Time

	// Resolved once the request is approved.
	SubjectID string
	SessionID string

	CreatedAt time.Time
}

// ExpiredAt reports whether a Pending request has outlived its window.
func (r *CibaRequest) ExpiredAt(now time.Time) bool {
	return r.Status == CibaStatusPending && now.After(r.ExpiresAt)
}
