package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// Spec describes the key to generate.
type Spec struct {
	TenantID string
	ClientID string

	Type      domain.KeyType
	Algorithm string
	Size      int
	Use       domain.KeyUse

	ActivateAt time.Time
	ExpiresAt  time.Time
	Priority   int
}

// MaterialProvider generates, stores and signs with key material for one
// storage backend. Private bytes never cross this interface: Generate returns
// sealed metadata only and Signer returns a signing capability, not a key.
type MaterialProvider interface {
	// Backend is the storage-provider tag recorded on generated keys.
	Backend() string

	// Generate creates a key pair and returns its public metadata. The
	// Material field is sealed by the provider and opaque to callers.
	Generate(ctx context.Context, spec Spec) (domain.SigningKey, error)

	// Signer produces a signing capability for a key this provider owns.
	Signer(ctx context.Context, key domain.SigningKey) (crypto.Signer, error)

	// Destroy disposes of the private material backing an archived key. The
	// public metadata stays in the store; only the signing half is lost.
	Destroy(ctx context.Context, key domain.SigningKey) error
}

// ErrUnavailable marks provider/backend outages, distinct from a missing key,
// so callers can retry instead of auto-provisioning a replacement.
type ErrUnavailable struct {
	Backend string
	Err     error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("key provider %s unavailable: %v", e.Backend, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// PublicJWK builds the JWK for a key's public PEM half. This needs no provider
// cooperation since the public material is stored in the clear.
func PublicJWK(key domain.SigningKey) (jose.JSONWebKey, error) {
	block, _ := pem.Decode(key.PublicKey)
	if block == nil {
		return jose.JSONWebKey{}, fmt.Errorf("key %s: no public key PEM", key.KeyID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("key %s: parse public key: %w", key.KeyID, err)
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return jose.JSONWebKey{}, fmt.Errorf("key %s: unsupported public key type %T", key.KeyID, pub)
	}
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Use:       string(key.Use),
	}, nil
}

func encodePublicPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
