package token

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	jose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/keys"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

const testIssuer = "https://issuer.test"

func newTestService(t *testing.T) (*Service, *keys.Service, *repository.MemoryRefreshTokenStore) {
	t.Helper()

	store := repository.NewMemorySigningKeyStore()
	local, err := keys.NewLocalProvider([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	keySvc, err := keys.NewService(store, keys.BackendLocal, keys.RotationPolicy{
		AutoProvision:    true,
		DefaultType:      domain.KeyTypeEC,
		DefaultAlgorithm: "ES256",
		DefaultTTL:       time.Hour,
	}, zap.NewNop(), local)
	require.NoError(t, err)

	refresh := repository.NewMemoryRefreshTokenStore()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(keySvc, refresh, node, testIssuer, zap.NewNop()), keySvc, refresh
}

func testClient() *domain.Client {
	return &domain.Client{
		ID:       "client-a",
		TenantID: "t1",
		Enabled:  true,
	}
}

func parseToken(t *testing.T, keySvc *keys.Service, raw string) (gojwt.Claims, map[string]any) {
	t.Helper()
	parsed, err := gojwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)

	jwk, err := keySvc.VerificationKey(context.Background(), parsed.Headers[0].KeyID)
	require.NoError(t, err)

	var std gojwt.Claims
	custom := map[string]any{}
	require.NoError(t, parsed.Claims(jwk, &std, &custom))
	return std, custom
}

func TestCreateTokenResponseRoundTrip(t *testing.T) {
	svc, keySvc, _ := newTestService(t)

	grant := &domain.GrantResult{
		SubjectID: "user-1",
		ClientID:  "client-a",
		Scopes:    []string{"openid", "profile"},
	}
	req := &domain.TokenCreationRequest{
		SubjectID:             "user-1",
		Client:                testClient(),
		Scopes:                grant.Scopes,
		AccessTokenLifetime:   time.Hour,
		IdentityTokenLifetime: 5 * time.Minute,
		SessionID:             "sess-1",
		IncludeIdentity:       true,
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 3600, resp.ExpiresIn)
	require.Equal(t, "openid profile", resp.Scope)
	require.NotEmpty(t, resp.IDToken)
	require.Empty(t, resp.RefreshToken)

	std, custom := parseToken(t, keySvc, resp.AccessToken)
	require.Equal(t, testIssuer, std.Issuer)
	require.Equal(t, "user-1", std.Subject)
	require.Equal(t, "client-a", custom["client_id"])
	require.Equal(t, "openid profile", custom["scope"])
	require.Equal(t, "sess-1", custom["sid"])

	idStd, idCustom := parseToken(t, keySvc, resp.IDToken)
	require.Equal(t, "user-1", idStd.Subject)
	require.Contains(t, idStd.Audience, "client-a")
	require.NotEmpty(t, idCustom["at_hash"])

	atHash, err := halfHash("ES256", resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, atHash, idCustom["at_hash"])
}

func TestNoIDTokenWithoutOpenIDScope(t *testing.T) {
	svc, _, _ := newTestService(t)

	grant := &domain.GrantResult{SubjectID: "user-1", Scopes: []string{"profile"}}
	req := &domain.TokenCreationRequest{
		SubjectID:             "user-1",
		Client:                testClient(),
		Scopes:                grant.Scopes,
		AccessTokenLifetime:   time.Hour,
		IdentityTokenLifetime: 5 * time.Minute,
		IncludeIdentity:       true,
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.Empty(t, resp.IDToken)
}

func TestClientCredentialsTokenHasNoSubject(t *testing.T) {
	svc, keySvc, _ := newTestService(t)

	grant := &domain.GrantResult{ClientID: "client-a", Scopes: []string{"inventory.read"}}
	req := &domain.TokenCreationRequest{
		Client:              testClient(),
		Scopes:              grant.Scopes,
		AccessTokenLifetime: time.Hour,
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.Empty(t, resp.IDToken)
	require.Empty(t, resp.RefreshToken)

	std, _ := parseToken(t, keySvc, resp.AccessToken)
	require.Empty(t, std.Subject)
}

func TestPairwiseSubjects(t *testing.T) {
	svc, keySvc, _ := newTestService(t)

	mint := func(salt string) string {
		grant := &domain.GrantResult{SubjectID: "user-1", Scopes: []string{"openid"}}
		req := &domain.TokenCreationRequest{
			SubjectID:           "user-1",
			Client:              testClient(),
			Scopes:              grant.Scopes,
			AccessTokenLifetime: time.Hour,
			PairWiseSubjectSalt: salt,
		}
		resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
		require.NoError(t, err)
		std, _ := parseToken(t, keySvc, resp.AccessToken)
		return std.Subject
	}

	plain := mint("")
	saltedA := mint("salt-a")
	saltedARepeat := mint("salt-a")
	saltedB := mint("salt-b")

	require.Equal(t, "user-1", plain)
	require.NotEqual(t, "user-1", saltedA)
	require.Equal(t, saltedA, saltedARepeat)
	require.NotEqual(t, saltedA, saltedB)
}

func TestDPoPBoundToken(t *testing.T) {
	svc, keySvc, _ := newTestService(t)

	grant := &domain.GrantResult{SubjectID: "user-1", Scopes: []string{"openid"}}
	req := &domain.TokenCreationRequest{
		SubjectID:           "user-1",
		Client:              testClient(),
		Scopes:              grant.Scopes,
		AccessTokenLifetime: time.Hour,
		DPoPKeyThumbprint:   "thumb-1",
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.Equal(t, "DPoP", resp.TokenType)

	_, custom := parseToken(t, keySvc, resp.AccessToken)
	cnf, ok := custom["cnf"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "thumb-1", cnf["jkt"])
}

func TestReferenceTokens(t *testing.T) {
	svc, _, _ := newTestService(t)

	client := testClient()
	client.AccessTokenIsReference = true
	grant := &domain.GrantResult{ClientID: client.ID, Scopes: []string{"inventory.read"}}
	req := &domain.TokenCreationRequest{
		Client:              client,
		Scopes:              grant.Scopes,
		AccessTokenLifetime: time.Hour,
		IsReference:         true,
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.Contains(t, resp.AccessToken, "ref_")
}

func TestRefreshTokenPersisted(t *testing.T) {
	svc, _, refresh := newTestService(t)

	grant := &domain.GrantResult{SubjectID: "user-1", Scopes: []string{"openid", "offline_access"}, IssueRefreshToken: true}
	req := &domain.TokenCreationRequest{
		SubjectID:            "user-1",
		Client:               testClient(),
		Scopes:               grant.Scopes,
		AccessTokenLifetime:  time.Hour,
		RefreshTokenLifetime: 24 * time.Hour,
		IncludeRefresh:       true,
	}

	resp, err := svc.CreateTokenResponse(context.Background(), grant, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	stored, err := refresh.Get(context.Background(), "t1", resp.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", stored.SubjectID)
	require.False(t, stored.Revoked)
}
