package repository

import (
	"context"
	"errors"
	"time"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when a conditional update loses the race, e.g. a
// second redemption of a single-use code or a terminal-state transition that
// already happened.
var ErrConflict = errors.New("repository: conflicting update")

// ClientStore resolves already-registered OAuth clients.
type ClientStore interface {
	GetClient(ctx context.Context, tenantID, clientID string) (domain.Client, error)
}

// UserStore exposes subjects for the legacy resource-owner password grant.
type UserStore interface {
	GetByUsername(ctx context.Context, tenantID, username string) (domain.User, error)
}

// AuthorizationCodeStore persists single-use authorization codes. Consume must
// be a single conditional update: exactly one concurrent redemption succeeds,
// all others get ErrConflict.
type AuthorizationCodeStore interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	Consume(ctx context.Context, tenantID, code string) (domain.AuthorizationCode, error)
}

// RefreshTokenStore persists refresh token handles. Rotate atomically revokes
// the old handle and inserts its successor; there is no window where both are
// redeemable.
type RefreshTokenStore interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	Get(ctx context.Context, tenantID, handle string) (domain.RefreshToken, error)
	Rotate(ctx context.Context, tenantID, oldHandle string, next domain.RefreshToken) error
	Revoke(ctx context.Context, tenantID, handle string) error
}

// SigningKeyStore persists signing key metadata. UpdateStatus is conditional on
// the current status so concurrent lifecycle sweeps cannot tear a transition.
type SigningKeyStore interface {
	Create(ctx context.Context, key domain.SigningKey) error
	Get(ctx context.Context, keyID string) (domain.SigningKey, error)
	List(ctx context.Context, tenantID, clientID string) ([]domain.SigningKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.SigningKey, error)
	ListAll(ctx context.Context) ([]domain.SigningKey, error)
	UpdateStatus(ctx context.Context, keyID string, from, to domain.KeyStatus, reason string) error
	RecordUse(ctx context.Context, keyID string, usedAt time.Time) error
}

// CibaRequestStore persists backchannel authentication requests.
// TransitionFromPending is the sole writer of terminal status and succeeds only
// from Pending. ConsumeApproved moves exactly one concurrent redemption from
// Approved to Redeemed; the rest get ErrConflict. TouchPolled conditionally
// advances LastPolledAt and reports the previous poll time for slow_down
// enforcement.
type CibaRequestStore interface {
	Create(ctx context.Context, req domain.CibaRequest) error
	Get(ctx context.Context, authReqID string) (domain.CibaRequest, error)
	TransitionFromPending(ctx context.Context, authReqID string, to domain.CibaStatus, subjectID, sessionID string) error
	ConsumeApproved(ctx context.Context, authReqID string) error
	TouchPolled(ctx context.Context, authReqID string, polledAt time.Time) (previous time.Time, err error)
}

// DeviceAuthorizationStore mirrors CibaRequestStore for the device-code flow.
type DeviceAuthorizationStore interface {
	Create(ctx context.Context, auth domain.DeviceAuthorization) error
	Get(ctx context.Context, tenantID, deviceCode string) (domain.DeviceAuthorization, error)
	TransitionFromPending(ctx context.Context, deviceCode string, to domain.DeviceStatus, subjectID, sessionID string) error
	ConsumeApproved(ctx context.Context, deviceCode string) error
	TouchPolled(ctx context.Context, deviceCode string, polledAt time.Time) (previous time.Time, err error)
}

// ProtocolStateStore keeps opaque correlation blobs across async boundaries.
// Durability is expiration-bounded; no cross-instance transaction is assumed.
type ProtocolStateStore interface {
	Store(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, id string) ([]byte, error)
	Remove(ctx context.Context, id string) error
}

// NonceStore enforces single use of DPoP proof identifiers. TryMarkUsed is an
// atomic check-and-set: it returns false when the key was already marked.
type NonceStore interface {
	TryMarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
