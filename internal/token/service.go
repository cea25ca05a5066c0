package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/bwmarrin/snowflake"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/cryptosigner"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/keys"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// Response is the token endpoint success body per RFC 6749 section 5.1.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Service mints access, ID and refresh tokens from grant results. It persists
// nothing itself beyond handing refresh handles to their store.
type Service struct {
	keys    *keys.Service
	refresh repository.RefreshTokenStore
	node    *snowflake.Node
	issuer  string
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService wires dependencies.
func NewService(keySvc *keys.Service, refresh repository.RefreshTokenStore, node *snowflake.Node, issuer string, logger *zap.Logger) *Service {
	return &Service{
		keys:    keySvc,
		refresh: refresh,
		node:    node,
		issuer:  issuer,
		logger:  logger,
		tracer:  otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/token"),
		now:     time.Now,
	}
}

// CreateTokenResponse composes the access token plus optional ID and refresh
// tokens for one grant. The request is consumed exactly once.
func (s *Service) CreateTokenResponse(ctx context.Context, grant *domain.GrantResult, req *domain.TokenCreationRequest) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "token.CreateTokenResponse")
	defer span.End()

	if req.AccessTokenLifetime <= 0 {
		return nil, fmt.Errorf("access token lifetime must be positive, got %s", req.AccessTokenLifetime)
	}

	access, err := s.CreateAccessToken(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := &Response{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(req.AccessTokenLifetime.Seconds()),
		Scope:       domain.JoinScope(req.Scopes),
	}
	if req.DPoPKeyThumbprint != "" {
		resp.TokenType = "DPoP"
	}

	// ID token only when openid was granted, the grant type permits identity
	// issuance, and there is a subject to assert.
	if req.IncludeIdentity && grant.HasScope("openid") && req.SubjectID != "" {
		idToken, err := s.CreateIDToken(ctx, req, access)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		resp.IDToken = idToken
	}

	if req.IncludeRefresh {
		refresh, err := s.CreateRefreshToken(ctx, req)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		resp.RefreshToken = refresh
	}

	return resp, nil
}

// CreateAccessToken builds one access token: a signed JWT, or an opaque
// reference handle when the client is configured for reference tokens.
func (s *Service) CreateAccessToken(ctx context.Context, req *domain.TokenCreationRequest) (string, error) {
	if req.IsReference {
		// Reference tokens are resolved by the external introspection store.
		return "ref_" + s.node.Generate().Base58() + randomString(16), nil
	}

	signer, key, err := s.signerFor(ctx, req, "at+jwt")
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	std := gojwt.Claims{
		Issuer:    s.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(req.AccessTokenLifetime)),
		ID:        randomString(16),
	}
	if req.SubjectID != "" {
		std.Subject = s.subjectClaim(req)
	}

	custom := map[string]any{
		"client_id": req.Client.ID,
		"scope":     domain.JoinScope(req.Scopes),
	}
	if req.SessionID != "" {
		custom["sid"] = req.SessionID
	}
	if req.DPoPKeyThumbprint != "" {
		custom["cnf"] = map[string]any{"jkt": req.DPoPKeyThumbprint}
	}
	for k, v := range req.Claims {
		custom[k] = v
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize access token: %w", err)
	}

	s.logger.Debug("access token minted",
		zap.String("client_id", req.Client.ID),
		zap.String("key_id", key.KeyID))
	return token, nil
}

// CreateIDToken builds the OIDC identity token, including at_hash per OIDC
// Core section 3.3.2.11 when an access token accompanies it.
func (s *Service) CreateIDToken(ctx context.Context, req *domain.TokenCreationRequest, accessToken string) (string, error) {
	if req.IdentityTokenLifetime <= 0 {
		return "", fmt.Errorf("identity token lifetime must be positive, got %s", req.IdentityTokenLifetime)
	}

	signer, key, err := s.signerFor(ctx, req, "JWT")
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	std := gojwt.Claims{
		Issuer:    s.issuer,
		Subject:   s.subjectClaim(req),
		Audience:  gojwt.Audience{req.Client.ID},
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(req.IdentityTokenLifetime)),
	}

	custom := map[string]any{}
	if req.Nonce != "" {
		custom["nonce"] = req.Nonce
	}
	if !req.AuthTime.IsZero() {
		custom["auth_time"] = req.AuthTime.Unix()
	}
	if len(req.AMR) > 0 {
		custom["amr"] = req.AMR
	}
	if req.ACR != "" {
		custom["acr"] = req.ACR
	}
	if req.SessionID != "" {
		custom["sid"] = req.SessionID
	}
	if accessToken != "" && !req.IsReference {
		atHash, err := halfHash(key.Algorithm, accessToken)
		if err != nil {
			return "", err
		}
		custom["at_hash"] = atHash
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize id token: %w", err)
	}
	return token, nil
}

// CreateRefreshToken mints an opaque handle and persists its record.
func (s *Service) CreateRefreshToken(ctx context.Context, req *domain.TokenCreationRequest) (string, error) {
	if req.RefreshTokenLifetime <= 0 {
		return "", fmt.Errorf("refresh token lifetime must be positive, got %s", req.RefreshTokenLifetime)
	}

	handle := randomString(32)
	now := s.now().UTC()
	record := domain.RefreshToken{
		Handle:    handle,
		TenantID:  req.Client.TenantID,
		ClientID:  req.Client.ID,
		SubjectID: req.SubjectID,
		Scopes:    req.Scopes,
		SessionID: req.SessionID,
		AuthTime:  req.AuthTime,
		AMR:       req.AMR,
		ACR:       req.ACR,
		ExpiresAt: now.Add(req.RefreshTokenLifetime),
		CreatedAt: now,
	}
	if err := s.refresh.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persist refresh token: %w", err)
	}
	return handle, nil
}

func (s *Service) signerFor(ctx context.Context, req *domain.TokenCreationRequest, typ string) (jose.Signer, domain.SigningKey, error) {
	creds, err := s.keys.SigningCredentials(ctx, req.Client.TenantID, req.Client.ID)
	if err != nil {
		return nil, domain.SigningKey{}, fmt.Errorf("resolve signing credentials: %w", err)
	}

	opts := (&jose.SignerOptions{}).
		WithType(jose.ContentType(typ)).
		WithHeader("kid", creds.Key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(creds.Key.Algorithm),
		Key:       cryptosigner.Opaque(creds.Signer),
	}, opts)
	if err != nil {
		return nil, domain.SigningKey{}, fmt.Errorf("build signer: %w", err)
	}
	return signer, creds.Key, nil
}

// subjectClaim applies pairwise subject hashing when the client carries a
// salt: stable per (subject, salt), different across clients with different
// salts.
func (s *Service) subjectClaim(req *domain.TokenCreationRequest) string {
	if req.PairWiseSubjectSalt == "" {
		return req.SubjectID
	}
	sum := sha256.Sum256([]byte(req.PairWiseSubjectSalt + ":" + req.SubjectID))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// halfHash is the OIDC c_hash/at_hash construction: the left half of the
// token's digest under the signing algorithm's hash, base64url-encoded.
func halfHash(alg, token string) (string, error) {
	var h hash.Hash
	switch alg {
	case "RS256", "ES256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash defined for algorithm %s", alg)
	}
	h.Write([]byte(token))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// NewHandle generates an opaque refresh token handle.
func NewHandle() string {
	return randomString(32)
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
