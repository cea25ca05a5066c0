package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

const tokenEndpoint = "https://issuer.test/oauth/token"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(repository.NewMemoryNonceStore(), zap.NewNop())
}

func newProofKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, typ string, claims map[string]any) string {
	t.Helper()
	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(t, err)
	proof, err := gojwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return proof
}

func proofClaimsFor(jti string) map[string]any {
	return map[string]any{
		"jti": jti,
		"htm": "POST",
		"htu": tokenEndpoint,
		"iat": time.Now().Unix(),
	}
}

func TestValidateAcceptsFreshProof(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, TypeDPoP, proofClaimsFor("jti-1"))
	thumbprint, err := v.Validate(context.Background(), proof, "POST", tokenEndpoint, "")
	require.NoError(t, err)
	require.NotEmpty(t, thumbprint)
}

func TestValidateRejectsReplayedJTI(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, TypeDPoP, proofClaimsFor("jti-replay"))
	_, err := v.Validate(context.Background(), proof, "POST", tokenEndpoint, "")
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), proof, "POST", tokenEndpoint, "")
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidDPoPProof, oe.Code)
}

func TestValidateRejectsWrongMethod(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, TypeDPoP, proofClaimsFor("jti-2"))
	_, err := v.Validate(context.Background(), proof, "GET", tokenEndpoint, "")
	require.Error(t, err)
}

func TestValidateRejectsWrongTarget(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, TypeDPoP, proofClaimsFor("jti-3"))
	_, err := v.Validate(context.Background(), proof, "POST", "https://other.test/oauth/token", "")
	require.Error(t, err)
}

func TestValidateIgnoresQueryInTarget(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, TypeDPoP, proofClaimsFor("jti-4"))
	_, err := v.Validate(context.Background(), proof, "POST", tokenEndpoint+"?trace=1", "")
	require.NoError(t, err)
}

func TestValidateRejectsWrongType(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	proof := signProof(t, key, "JWT", proofClaimsFor("jti-5"))
	_, err := v.Validate(context.Background(), proof, "POST", tokenEndpoint, "")
	require.Error(t, err)
}

func TestValidateRejectsStaleIAT(t *testing.T) {
	v := newTestValidator(t)
	key := newProofKey(t)

	claims := proofClaimsFor("jti-6")
	claims["iat"] = time.Now().Add(-time.Hour).Unix()
	proof := signProof(t, key, TypeDPoP, claims)
	_, err := v.Validate(context.Background(), proof, "POST", tokenEndpoint, "")
	require.Error(t, err)
}

func TestValidateRejectsMissingProof(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(context.Background(), "", "POST", tokenEndpoint, "")
	require.Error(t, err)
}
