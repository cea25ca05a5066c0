package domain

import "time"

// AuthorizationCode models short-lived single-use codes. Redemption must be an
// atomic consume at the store layer so concurrent replays lose.
type AuthorizationCode struct {
	Code     string
	TenantID string
	ClientID string

	SubjectID           string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Nonce               string
	SessionID           string
	AuthTime            time.Time
	AMR                 []string
	ACR                 string

	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// RefreshToken persists refresh token handles. The handle itself is opaque;
// token contents are never stored.
type RefreshToken struct {
	Handle   string
	TenantID string
	ClientID string

	SubjectID string
	Scopes    []string
	SessionID string
	AuthTime  time.Time
	AMR       []string
	ACR       string

	// RotatedFrom links a one-time-only successor back to the handle it replaced.
	RotatedFrom string

	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// ProtocolState is an opaque correlation blob carried across an external
// redirect or asynchronous boundary, keyed by a generated correlation id.
type ProtocolState struct {
	ID        string
	Payload   []byte
	ExpiresAt time.Time
}
