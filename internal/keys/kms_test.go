package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/require"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

type fakeKMSClient struct {
	createdSpec types.KeySpec
	pubDER      []byte

	signCtx   context.Context
	signInput *kms.SignInput
	signature []byte

	deleted []string
}

func (f *fakeKMSClient) CreateKey(_ context.Context, params *kms.CreateKeyInput, _ ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	f.createdSpec = params.KeySpec
	return &kms.CreateKeyOutput{
		KeyMetadata: &types.KeyMetadata{KeyId: aws.String("remote-1")},
	}, nil
}

func (f *fakeKMSClient) GetPublicKey(_ context.Context, _ *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	return &kms.GetPublicKeyOutput{PublicKey: f.pubDER}, nil
}

func (f *fakeKMSClient) Sign(ctx context.Context, params *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	f.signCtx = ctx
	f.signInput = params
	return &kms.SignOutput{Signature: f.signature}, nil
}

func (f *fakeKMSClient) ScheduleKeyDeletion(_ context.Context, params *kms.ScheduleKeyDeletionInput, _ ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.KeyId))
	return &kms.ScheduleKeyDeletionOutput{}, nil
}

func newECPublicPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func newDERPublicKey(t *testing.T) []byte {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return der
}

func TestKMSGenerateRecordsRemoteKey(t *testing.T) {
	fake := &fakeKMSClient{pubDER: newDERPublicKey(t)}
	p := newKMSProviderWithAPI(fake)

	now := time.Now().UTC()
	key, err := p.Generate(context.Background(), Spec{
		TenantID:   "t1",
		ClientID:   "client-a",
		Type:       domain.KeyTypeEC,
		Algorithm:  "ES256",
		Use:        domain.KeyUseSigning,
		ActivateAt: now.Add(-time.Minute),
		ExpiresAt:  now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, types.KeySpecEccNistP256, fake.createdSpec)
	require.Equal(t, BackendKMS, key.Provider)
	require.Equal(t, []byte("remote-1"), key.Material)
	require.Equal(t, domain.KeyStatusActive, key.Status)

	block, _ := pem.Decode(key.PublicKey)
	require.NotNil(t, block)
}

type signCtxMarker struct{}

func TestKMSSignerPropagatesContext(t *testing.T) {
	fake := &fakeKMSClient{signature: []byte("der-sig")}
	p := newKMSProviderWithAPI(fake)

	key := domain.SigningKey{
		KeyID:     "k1",
		Provider:  BackendKMS,
		Algorithm: "ES256",
		Material:  []byte("remote-1"),
		PublicKey: newECPublicPEM(t),
	}

	ctx := context.WithValue(context.Background(), signCtxMarker{}, "caller")
	signer, err := p.Signer(ctx, key)
	require.NoError(t, err)

	digest := make([]byte, 32)
	sig, err := signer.Sign(rand.Reader, digest, crypto.SHA256)
	require.NoError(t, err)
	require.Equal(t, []byte("der-sig"), sig)

	require.NotNil(t, fake.signCtx)
	require.Equal(t, "caller", fake.signCtx.Value(signCtxMarker{}))
	require.Equal(t, "remote-1", aws.ToString(fake.signInput.KeyId))
	require.Equal(t, types.SigningAlgorithmSpecEcdsaSha256, fake.signInput.SigningAlgorithm)
}

func TestKMSDestroySchedulesRemoteDeletion(t *testing.T) {
	fake := &fakeKMSClient{}
	p := newKMSProviderWithAPI(fake)

	err := p.Destroy(context.Background(), domain.SigningKey{
		KeyID:    "k1",
		Provider: BackendKMS,
		Material: []byte("remote-1"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"remote-1"}, fake.deleted)
}
