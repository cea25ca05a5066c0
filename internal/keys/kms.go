package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// BackendKMS tags keys owned by AWS KMS.
const BackendKMS = "aws-kms"

// kmsAPI is the KMS client surface the provider uses; the concrete *kms.Client
// satisfies it and tests substitute a fake.
type kmsAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
}

// KMSProvider keeps private material inside AWS KMS. Material records only the
// remote key id; signatures are produced by the service.
type KMSProvider struct {
	client kmsAPI
}

var _ MaterialProvider = (*KMSProvider)(nil)

// NewKMSProvider wraps a configured KMS client.
func NewKMSProvider(client *kms.Client) *KMSProvider {
	return &KMSProvider{client: client}
}

func newKMSProviderWithAPI(client kmsAPI) *KMSProvider {
	return &KMSProvider{client: client}
}

func (p *KMSProvider) Backend() string { return BackendKMS }

// Generate asks KMS for an asymmetric signing key and fetches its public half.
func (p *KMSProvider) Generate(ctx context.Context, spec Spec) (domain.SigningKey, error) {
	keySpec, err := kmsKeySpec(spec)
	if err != nil {
		return domain.SigningKey{}, err
	}

	created, err := p.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:     keySpec,
		KeyUsage:    types.KeyUsageTypeSignVerify,
		Description: aws.String(fmt.Sprintf("oluso signing key tenant=%s client=%s", spec.TenantID, spec.ClientID)),
	})
	if err != nil {
		return domain.SigningKey{}, &ErrUnavailable{Backend: BackendKMS, Err: err}
	}
	remoteID := aws.ToString(created.KeyMetadata.KeyId)

	pub, err := p.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(remoteID)})
	if err != nil {
		return domain.SigningKey{}, &ErrUnavailable{Backend: BackendKMS, Err: err}
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub.PublicKey})

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
		Provider:   BackendKMS,
		Material:   []byte(remoteID),
		PublicKey:  pubPEM,
		CreatedAt:  now,
	}
	if !now.Before(spec.ActivateAt) {
		key.Status = domain.KeyStatusActive
	}
	return key, nil
}

// Signer returns a remote signing capability. The returned signer proxies each
// digest to kms.Sign under the caller's context, so cancellation and deadlines
// reach the remote call; no private bytes ever leave the service.
func (p *KMSProvider) Signer(ctx context.Context, key domain.SigningKey) (crypto.Signer, error) {
	if key.Provider != BackendKMS {
		return nil, fmt.Errorf("key %s belongs to provider %s, not %s", key.KeyID, key.Provider, BackendKMS)
	}
	block, _ := pem.Decode(key.PublicKey)
	if block == nil {
		return nil, fmt.Errorf("key %s: no public key PEM", key.KeyID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: parse public key: %w", key.KeyID, err)
	}
	alg, err := kmsSigningAlgorithm(key.Algorithm)
	if err != nil {
		return nil, err
	}
	return &kmsSigner{ctx: ctx, client: p.client, remoteID: string(key.Material), public: pub, algorithm: alg}, nil
}

// Destroy schedules the remote key for deletion on the shortest window KMS
// allows. Within that window an operator can still cancel via the AWS console.
func (p *KMSProvider) Destroy(ctx context.Context, key domain.SigningKey) error {
	if key.Provider != BackendKMS {
		return fmt.Errorf("key %s belongs to provider %s, not %s", key.KeyID, key.Provider, BackendKMS)
	}
	_, err := p.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(string(key.Material)),
		PendingWindowInDays: aws.Int32(7),
	})
	if err != nil {
		return &ErrUnavailable{Backend: BackendKMS, Err: err}
	}
	return nil
}

// kmsSigner carries the context it was resolved under because crypto.Signer
// has no context parameter of its own.
type kmsSigner struct {
	ctx       context.Context
	client    kmsAPI
	remoteID  string
	public    crypto.PublicKey
	algorithm types.SigningAlgorithmSpec
}

func (s *kmsSigner) Public() crypto.PublicKey { return s.public }

// Sign proxies the precomputed digest to KMS. KMS returns RSA PKCS#1 v1.5 and
// ASN.1 DER ECDSA signatures, matching what crypto.Signer callers expect.
func (s *kmsSigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	out, err := s.client.Sign(s.ctx, &kms.SignInput{
		KeyId:            aws.String(s.remoteID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: s.algorithm,
	})
	if err != nil {
		return nil, &ErrUnavailable{Backend: BackendKMS, Err: err}
	}
	return out.Signature, nil
}

func kmsKeySpec(spec Spec) (types.KeySpec, error) {
	switch spec.Type {
	case domain.KeyTypeRSA:
		switch spec.Size {
		case 0, 2048:
			return types.KeySpecRsa2048, nil
		case 3072:
			return types.KeySpecRsa3072, nil
		case 4096:
			return types.KeySpecRsa4096, nil
		}
		return "", fmt.Errorf("kms provider: unsupported RSA size %d", spec.Size)
	case domain.KeyTypeEC:
		switch spec.Algorithm {
		case "ES256":
			return types.KeySpecEccNistP256, nil
		case "ES384":
			return types.KeySpecEccNistP384, nil
		case "ES512":
			return types.KeySpecEccNistP521, nil
		}
		return "", fmt.Errorf("kms provider: unsupported EC algorithm %s", spec.Algorithm)
	}
	return "", fmt.Errorf("kms provider: unsupported key type %s", spec.Type)
}

func kmsSigningAlgorithm(alg string) (types.SigningAlgorithmSpec, error) {
	switch alg {
	case "RS256":
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
	case "RS384":
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
	case "RS512":
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha512, nil
	case "ES256":
		return types.SigningAlgorithmSpecEcdsaSha256, nil
	case "ES384":
		return types.SigningAlgorithmSpecEcdsaSha384, nil
	case "ES512":
		return types.SigningAlgorithmSpecEcdsaSha512, nil
	}
	return "", fmt.Errorf("kms provider: unsupported signing algorithm %s", alg)
}
