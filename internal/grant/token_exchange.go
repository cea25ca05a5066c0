package grant

import (
	"context"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/keys"
)

// RFC 8693 token type identifiers accepted as subject and actor tokens.
const (
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeJWT         = "urn:ietf:params:oauth:token-type:jwt"
)

var exchangeAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

type exchangeClaims struct {
	gojwt.Claims
	ClientID string         `json:"client_id,omitempty"`
	Scope    string         `json:"scope,omitempty"`
	Act      map[string]any `json:"act,omitempty"`
}

// TokenExchangeHandler implements RFC 8693 delegation and impersonation. Only
// tokens this issuer minted are accepted as subject or actor tokens.
type TokenExchangeHandler struct {
	keys   *keys.Service
	issuer string
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenExchangeHandler wires the key service used for verification.
func NewTokenExchangeHandler(keySvc *keys.Service, issuer string, logger *zap.Logger) *TokenExchangeHandler {
	return &TokenExchangeHandler{keys: keySvc, issuer: issuer, logger: logger, now: time.Now}
}

func (h *TokenExchangeHandler) GrantType() string { return domain.GrantTypeTokenExchange }

func (h *TokenExchangeHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.SubjectToken == "" {
		return nil, oauth.InvalidRequest("subject_token is required.")
	}
	if !supportedTokenType(req.SubjectTokenType) {
		return nil, oauth.InvalidRequest(fmt.Sprintf("Unsupported subject_token_type %q.", req.SubjectTokenType))
	}

	subject, err := h.verify(ctx, req.SubjectToken)
	if err != nil {
		return nil, err
	}

	scopes := domain.SplitScope(subject.Scope)
	if req.Scope != "" {
		scopes, err = narrowScopes(scopes, req.Scope)
		if err != nil {
			return nil, err
		}
	}
	if !client.ScopesAllowed(scopes) {
		return nil, oauth.InvalidScope("Requested scope exceeds the client allow-list.")
	}

	claims := map[string]any{}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}

	// An actor token turns the exchange into delegation: the new token carries
	// an act claim naming the acting party, chaining any prior act claim.
	if req.ActorToken != "" {
		if !supportedTokenType(req.ActorTokenType) {
			return nil, oauth.InvalidRequest(fmt.Sprintf("Unsupported actor_token_type %q.", req.ActorTokenType))
		}
		actor, err := h.verify(ctx, req.ActorToken)
		if err != nil {
			return nil, err
		}
		act := map[string]any{"sub": actor.Subject}
		if actor.ClientID != "" {
			act["client_id"] = actor.ClientID
		}
		if subject.Act != nil {
			act["act"] = subject.Act
		}
		claims["act"] = act
	} else if subject.Act != nil {
		claims["act"] = subject.Act
	}

	h.logger.Info("token exchange granted",
		zap.String("client_id", client.ID),
		zap.Bool("delegation", req.ActorToken != ""))

	return &domain.GrantResult{
		SubjectID: subject.Subject,
		ClientID:  client.ID,
		Scopes:    scopes,
		Claims:    claims,
	}, nil
}

// verify parses and validates a token minted by this issuer, resolving the
// verification key from the kid header.
func (h *TokenExchangeHandler) verify(ctx context.Context, raw string) (*exchangeClaims, error) {
	parsed, err := gojwt.ParseSigned(raw, exchangeAlgorithms)
	if err != nil {
		return nil, oauth.InvalidGrant("Token is not a valid signed JWT.")
	}
	if len(parsed.Headers) != 1 || parsed.Headers[0].KeyID == "" {
		return nil, oauth.InvalidGrant("Token does not name a signing key.")
	}

	jwk, err := h.keys.VerificationKey(ctx, parsed.Headers[0].KeyID)
	if err != nil {
		return nil, oauth.InvalidGrant("Token was signed with an unknown or revoked key.")
	}

	var claims exchangeClaims
	if err := parsed.Claims(jwk, &claims); err != nil {
		return nil, oauth.InvalidGrant("Token signature does not verify.")
	}
	if err := claims.Validate(gojwt.Expected{Issuer: h.issuer, Time: h.now().UTC()}); err != nil {
		return nil, oauth.InvalidGrant("Token is expired or was issued elsewhere.")
	}
	return &claims, nil
}

func supportedTokenType(t string) bool {
	return t == TokenTypeAccessToken || t == TokenTypeJWT
}
