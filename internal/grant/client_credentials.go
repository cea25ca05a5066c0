package grant

import (
	"context"
	"fmt"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
)

// identityScopes never apply to machine-to-machine tokens.
var identityScopes = map[string]struct{}{
	"openid":         {},
	"profile":        {},
	"email":          {},
	"offline_access": {},
}

// ClientCredentialsHandler issues machine-to-machine tokens. There is no
// subject, no ID token and never a refresh token.
type ClientCredentialsHandler struct{}

// NewClientCredentialsHandler needs no dependencies.
func NewClientCredentialsHandler() *ClientCredentialsHandler {
	return &ClientCredentialsHandler{}
}

func (h *ClientCredentialsHandler) GrantType() string { return domain.GrantTypeClientCredentials }

func (h *ClientCredentialsHandler) Handle(_ context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if client.SecretHash == "" {
		return nil, oauth.UnauthorizedClient("Public clients may not use client_credentials.")
	}

	var scopes []string
	if req.Scope == "" {
		// Default to the client's full allow-list minus identity scopes.
		scopes = client.AllowedScopes
	} else {
		scopes = domain.SplitScope(req.Scope)
		if !client.ScopesAllowed(scopes) {
			return nil, oauth.InvalidScope("Requested scope exceeds the client allow-list.")
		}
		for _, s := range scopes {
			if _, identity := identityScopes[s]; identity {
				return nil, oauth.InvalidScope(fmt.Sprintf("Scope %q does not apply to client_credentials.", s))
			}
		}
	}
	scopes = stripIdentityScopes(scopes)

	return &domain.GrantResult{
		ClientID: client.ID,
		Scopes:   scopes,
	}, nil
}

func stripIdentityScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, identity := identityScopes[s]; !identity {
			out = append(out, s)
		}
	}
	return out
}
