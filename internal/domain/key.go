package domain

import (
	"fmt"
	"time"
)

// KeyType is the cryptographic family of a signing key.
type KeyType string

const (
	KeyTypeRSA       KeyType = "RSA"
	KeyTypeEC        KeyType = "EC"
	KeyTypeSymmetric KeyType = "Symmetric"
)

// KeyUse distinguishes signing from encryption keys.
type KeyUse string

const (
	KeyUseSigning    KeyUse = "sig"
	KeyUseEncryption KeyUse = "enc"
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	KeyStatusPending  KeyStatus = "pending"
	KeyStatusActive   KeyStatus = "active"
	KeyStatusExpired  KeyStatus = "expired"
	KeyStatusRevoked  KeyStatus = "revoked"
	KeyStatusArchived KeyStatus = "archived"
)

// keyTransitions is the lifecycle state machine. Revoked is reachable from any
// non-terminal state; Revoked and Archived are terminal.
var keyTransitions = map[KeyStatus][]KeyStatus{
	KeyStatusPending: {KeyStatusActive, KeyStatusRevoked},
	KeyStatusActive:  {KeyStatusExpired, KeyStatusRevoked},
	KeyStatusExpired: {KeyStatusArchived, KeyStatusRevoked},
}

// CanTransitionTo reports whether the status change is legal.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	for _, allowed := range keyTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s KeyStatus) Terminal() bool {
	return len(keyTransitions[s]) == 0
}

// ValidateKeyTransition returns a descriptive error for illegal transitions.
func ValidateKeyTransition(from, to KeyStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal key status transition %s -> %s", from, to)
	}
	return nil
}

// SigningKey is the stored metadata for one key. Material is an opaque blob
// sealed by the owning provider (encrypted PEM for the local backend, a remote
// key reference for KMS); raw private bytes never appear here.
type SigningKey struct {
	KeyID    string
	TenantID string
	ClientID string

	Type      KeyType
	Algorithm string
	Size      int
	Use       KeyUse

	Status     KeyStatus
	ActivateAt time.Time
	ExpiresAt  time.Time
	Priority   int

	SignatureCount int64
	LastUsedAt     *time.Time

	// Provider tags the storage backend that owns the private material.
	Provider string
	// Material is provider-sealed; only the owning provider can interpret it.
	Material []byte
	// PublicKey is the PKIX PEM encoding of the public half.
	PublicKey []byte

	RevokedReason string
	CreatedAt     time.Time
}

// EffectiveStatus folds time-driven transitions into the stored status so that
// readers observe Pending keys as Active once ActivateAt passes and Active keys
// as Expired once ExpiresAt passes, without waiting for the background sweep.
func (k *SigningKey) EffectiveStatus(now time.Time) KeyStatus {
	switch k.Status {
	case KeyStatusPending:
		if !now.Before(k.ActivateAt) {
			if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
				return KeyStatusExpired
			}
			return KeyStatusActive
		}
	case KeyStatusActive:
		if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
			return KeyStatusExpired
		}
	}
	return k.Status
}

// UsableForSigning reports whether new signatures may be produced with the key.
func (k *SigningKey) UsableForSigning(now time.Time) bool {
	return k.EffectiveStatus(now) == KeyStatusActive && k.Use == KeyUseSigning
}

// UsableForVerification covers the rotation window on both sides: Pending
// successors pre-publish so verifier caches warm before activation, Expired
// keys stay verifiable through the grace period. Revoked and Archived never
// verify.
func (k *SigningKey) UsableForVerification(now time.Time) bool {
	switch k.EffectiveStatus(now) {
	case KeyStatusPending, KeyStatusActive, KeyStatusExpired:
		return true
	}
	return false
}
