package grant

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func testCodeClient() *domain.Client {
	return &domain.Client{
		ID:                "client-a",
		TenantID:          "t1",
		Enabled:           true,
		AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode},
		AllowedScopes:     []string{"openid", "profile", "offline_access"},
	}
}

func seedCode(t *testing.T, store *repository.MemoryCodeStore, mutate func(*domain.AuthorizationCode)) domain.AuthorizationCode {
	t.Helper()
	code := domain.AuthorizationCode{
		Code:                "code-1",
		TenantID:            "t1",
		ClientID:            "client-a",
		SubjectID:           "user-1",
		RedirectURI:         "https://app.test/callback",
		CodeChallenge:       s256Challenge(testVerifier),
		CodeChallengeMethod: "S256",
		Scopes:              []string{"openid", "offline_access"},
		Nonce:               "n-1",
		SessionID:           "sess-1",
		AuthTime:            time.Now().Add(-time.Minute),
		ExpiresAt:           time.Now().Add(5 * time.Minute),
		CreatedAt:           time.Now(),
	}
	if mutate != nil {
		mutate(&code)
	}
	require.NoError(t, store.Create(context.Background(), code))
	return code
}

func codeRequest() *domain.TokenRequest {
	return &domain.TokenRequest{
		TenantID:     "t1",
		GrantType:    domain.GrantTypeAuthorizationCode,
		ClientID:     "client-a",
		Code:         "code-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: testVerifier,
	}
}

func TestAuthorizationCodeRedemption(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, nil)
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	result, err := h.Handle(context.Background(), codeRequest(), testCodeClient())
	require.NoError(t, err)
	require.Equal(t, "user-1", result.SubjectID)
	require.Equal(t, "n-1", result.Nonce)
	require.Equal(t, "sess-1", result.SessionID)
	require.True(t, result.IssueRefreshToken)
}

func TestAuthorizationCodeSecondRedemptionFails(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, nil)
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), codeRequest(), testCodeClient())
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), codeRequest(), testCodeClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestAuthorizationCodeExpired(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, func(c *domain.AuthorizationCode) {
		c.ExpiresAt = time.Now().Add(-time.Minute)
	})
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), codeRequest(), testCodeClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestAuthorizationCodeRedirectMismatch(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, nil)
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	req := codeRequest()
	req.RedirectURI = "https://evil.test/callback"
	_, err := h.Handle(context.Background(), req, testCodeClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestAuthorizationCodeWrongClient(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, nil)
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	client := testCodeClient()
	client.ID = "client-b"
	_, err := h.Handle(context.Background(), codeRequest(), client)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestPKCEVerifierMismatch(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, nil)
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	req := codeRequest()
	req.CodeVerifier = strings.Repeat("x", 43)
	_, err := h.Handle(context.Background(), req, testCodeClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestPKCERequiredButMissingChallenge(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, func(c *domain.AuthorizationCode) {
		c.CodeChallenge = ""
		c.CodeChallengeMethod = ""
	})
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	client := testCodeClient()
	client.RequirePKCE = true
	req := codeRequest()
	req.CodeVerifier = ""
	_, err := h.Handle(context.Background(), req, client)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestPKCEPlainMethod(t *testing.T) {
	store := repository.NewMemoryCodeStore()
	seedCode(t, store, func(c *domain.AuthorizationCode) {
		c.CodeChallenge = testVerifier
		c.CodeChallengeMethod = "plain"
	})
	h := NewAuthorizationCodeHandler(store, zap.NewNop())

	result, err := h.Handle(context.Background(), codeRequest(), testCodeClient())
	require.NoError(t, err)
	require.Equal(t, "user-1", result.SubjectID)
}
