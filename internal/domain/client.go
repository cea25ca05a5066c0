package domain

import (
	"strings"
	"time"
)

// RefreshTokenUsage controls whether refresh tokens survive redemption.
type RefreshTokenUsage string

const (
	// RefreshTokenReUse allows the same refresh token to be redeemed repeatedly.
	RefreshTokenReUse RefreshTokenUsage = "reuse"
	// RefreshTokenOneTimeOnly invalidates the old token atomically on each refresh.
	RefreshTokenOneTimeOnly RefreshTokenUsage = "one_time_only"
)

// CIBA token delivery modes.
const (
	CibaModePoll = "poll"
	CibaModePing = "ping"
	CibaModePush = "push"
)

// Client is the already-resolved, read-only OAuth client consumed by grant
// handlers. Resolution and persistence happen outside this engine.
type Client struct {
	ID       string
	TenantID string
	Name     string
	Enabled  bool

	// SecretHash is an argon2id hash for confidential clients, empty for public ones.
	SecretHash string

	AllowedGrantTypes []string
	AllowedScopes     []string
	RedirectURIs      []string

	AccessTokenTTL   time.Duration
	IdentityTokenTTL time.Duration
	RefreshTokenTTL  time.Duration

	RefreshTokenUsage      RefreshTokenUsage
	RequireDPoP            bool
	RequirePKCE            bool
	PairWiseSubjectSalt    string
	AccessTokenIsReference bool

	CibaEnabled              bool
	CibaDeliveryMode         string
	CibaNotificationEndpoint string
	CibaRequestLifetime      time.Duration
	CibaPollingInterval      time.Duration
}

// GrantTypeAllowed reports whether the literal grant_type string is on the
// client's allow-list. Matching is exact.
func (c *Client) GrantTypeAllowed(grantType string) bool {
	for _, gt := range c.AllowedGrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// ScopesAllowed reports whether every requested scope is on the allow-list.
func (c *Client) ScopesAllowed(scopes []string) bool {
	for _, s := range scopes {
		if !c.scopeAllowed(s) {
			return false
		}
	}
	return true
}

func (c *Client) scopeAllowed(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SplitScope tokenizes a space-delimited scope parameter.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// JoinScope renders granted scopes back into the wire format.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
