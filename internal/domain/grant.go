package domain

import "time"

// OAuth2 / OIDC grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
	GrantTypeCiba              = "urn:openid:params:grant-type:ciba"
)

// TokenRequest carries the form-decoded token endpoint parameters. Tenant
// resolution happens upstream; TenantID arrives already validated.
type TokenRequest struct {
	TenantID     string
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// device_code
	DeviceCode string

	// ciba
	AuthReqID string

	// password
	Username string
	Password string

	// token-exchange (RFC 8693)
	SubjectToken     string
	SubjectTokenType string
	ActorToken       string
	ActorTokenType   string
	Audience         string

	// DPoP proof header, when presented.
	DPoPProof  string
	HTTPMethod string
	HTTPTarget string
}

// GrantResult is the immutable outcome of one grant evaluation.
type GrantResult struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	Claims    map[string]any
	SessionID string
	AuthTime  time.Time
	AMR       []string
	ACR       string
	Nonce     string

	// IssueRefreshToken marks grants that are allowed a fresh refresh token.
	IssueRefreshToken bool

	// RotatedRefreshHandle carries the successor handle when the grant already
	// rotated a one-time-only refresh token; the response returns it verbatim
	// instead of minting another.
	RotatedRefreshHandle string
}

// HasScope reports whether the grant carries the named scope.
func (g *GrantResult) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenCreationRequest is consumed exactly once by the token service to mint
// one token response. It is never persisted.
type TokenCreationRequest struct {
	SubjectID string
	Client    *Client
	Scopes    []string
	Claims    map[string]any

	AccessTokenLifetime   time.Duration
	IdentityTokenLifetime time.Duration
	RefreshTokenLifetime  time.Duration

	SessionID string
	AuthTime  time.Time
	AMR       []string
	ACR       string
	Nonce     string

	DPoPKeyThumbprint   string
	PairWiseSubjectSalt string
	IsReference         bool
	IncludeIdentity     bool
	IncludeRefresh      bool
}
