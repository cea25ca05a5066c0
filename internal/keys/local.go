package keys

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// BackendLocal tags keys owned by the local encrypted provider.
const BackendLocal = "local"

// LocalProvider generates keys in-process and stores the private PEM encrypted
// with AES-256-GCM under a master key. Plaintext private material exists only
// transiently inside Generate and Signer.
type LocalProvider struct {
	masterKey []byte
}

var _ MaterialProvider = (*LocalProvider)(nil)

// NewLocalProvider requires a 32-byte master key.
func NewLocalProvider(masterKey []byte) (*LocalProvider, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("local key provider: master key must be 32 bytes, got %d", len(masterKey))
	}
	return &LocalProvider{masterKey: masterKey}, nil
}

func (p *LocalProvider) Backend() string { return BackendLocal }

// Generate creates an RSA or EC key pair and returns metadata with the private
// half sealed into Material.
func (p *LocalProvider) Generate(_ context.Context, spec Spec) (domain.SigningKey, error) {
	var (
		signer crypto.Signer
		err    error
	)
	switch spec.Type {
	case domain.KeyTypeRSA:
		size := spec.Size
		if size == 0 {
			size = 2048
		}
		signer, err = rsa.GenerateKey(rand.Reader, size)
	case domain.KeyTypeEC:
		signer, err = ecdsa.GenerateKey(curveForAlgorithm(spec.Algorithm), rand.Reader)
	default:
		return domain.SigningKey{}, fmt.Errorf("local key provider: unsupported key type %s", spec.Type)
	}
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate %s key: %w", spec.Type, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	sealed, err := p.seal(privPEM)
	if err != nil {
		return domain.SigningKey{}, err
	}

	pubPEM, err := encodePublicPEM(signer.Public())
	if err != nil {
		return domain.SigningKey{}, err
	}

	now := time.Now().UTC()
	key := domain.SigningKey{
		KeyID:      uuid.NewString(),
		TenantID:   spec.TenantID,
		ClientID:   spec.ClientID,
		Type:       spec.Type,
		Algorithm:  spec.Algorithm,
		Size:       spec.Size,
		Use:        spec.Use,
		Status:     domain.KeyStatusPending,
		ActivateAt: spec.ActivateAt,
		ExpiresAt:  spec.ExpiresAt,
		Priority:   spec.Priority,
		Provider:   BackendLocal,
		Material:   sealed,
		PublicKey:  pubPEM,
		CreatedAt:  now,
	}
	if !now.Before(spec.ActivateAt) {
		key.Status = domain.KeyStatusActive
	}
	return key, nil
}

// Signer unseals the private PEM and returns the parsed key as a capability.
func (p *LocalProvider) Signer(_ context.Context, key domain.SigningKey) (crypto.Signer, error) {
	if key.Provider != BackendLocal {
		return nil, fmt.Errorf("key %s belongs to provider %s, not %s", key.KeyID, key.Provider, BackendLocal)
	}
	privPEM, err := p.open(key.Material)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key.KeyID, err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("key %s: no private key PEM after unseal", key.KeyID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: parse private key: %w", key.KeyID, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %s: material is not a signer", key.KeyID)
	}
	return signer, nil
}

// Destroy is a no-op for local keys. The sealed blob in the store is useless
// without the master key, and the store record is the only copy.
func (p *LocalProvider) Destroy(context.Context, domain.SigningKey) error { return nil }

func (p *LocalProvider) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("seal key material: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal key material: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal key material: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *LocalProvider) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("open key material: sealed blob too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	return plaintext, nil
}

func curveForAlgorithm(alg string) elliptic.Curve {
	switch alg {
	case "ES384":
		return elliptic.P384()
	case "ES512":
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}
