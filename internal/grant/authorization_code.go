package grant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// AuthorizationCodeHandler redeems single-use authorization codes with PKCE
// verification (RFC 7636).
type AuthorizationCodeHandler struct {
	codes  repository.AuthorizationCodeStore
	logger *zap.Logger
	now    func() time.Time
}

// NewAuthorizationCodeHandler wires the code store.
func NewAuthorizationCodeHandler(codes repository.AuthorizationCodeStore, logger *zap.Logger) *AuthorizationCodeHandler {
	return &AuthorizationCodeHandler{codes: codes, logger: logger, now: time.Now}
}

func (h *AuthorizationCodeHandler) GrantType() string { return domain.GrantTypeAuthorizationCode }

// Handle consumes the code atomically first, so a concurrent replay is rejected
// before any other validation runs.
func (h *AuthorizationCodeHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.Code == "" {
		return nil, oauth.InvalidRequest("code is required.")
	}

	code, err := h.codes.Consume(ctx, req.TenantID, req.Code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
			h.logger.Warn("authorization code redemption rejected",
				zap.String("client_id", client.ID),
				zap.Bool("replay", errors.Is(err, repository.ErrConflict)))
			return nil, oauth.InvalidGrant("Authorization code is invalid or has already been redeemed.")
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	if code.ClientID != client.ID {
		return nil, oauth.InvalidGrant("Authorization code was issued to a different client.")
	}
	if h.now().UTC().After(code.ExpiresAt) {
		return nil, oauth.InvalidGrant("Authorization code has expired.")
	}
	if code.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		return nil, oauth.InvalidGrant("redirect_uri does not match the authorization request.")
	}

	if err := verifyPKCE(&code, req.CodeVerifier, client.RequirePKCE); err != nil {
		return nil, err
	}

	return &domain.GrantResult{
		SubjectID:         code.SubjectID,
		ClientID:          client.ID,
		Scopes:            code.Scopes,
		SessionID:         code.SessionID,
		AuthTime:          code.AuthTime,
		AMR:               code.AMR,
		ACR:               code.ACR,
		Nonce:             code.Nonce,
		IssueRefreshToken: hasOfflineAccess(code.Scopes),
	}, nil
}

// verifyPKCE checks the code_verifier against the stored challenge. Clients
// flagged RequirePKCE must have sent a challenge at authorization time.
func verifyPKCE(code *domain.AuthorizationCode, verifier string, required bool) error {
	if code.CodeChallenge == "" {
		if required {
			return oauth.InvalidGrant("Client requires PKCE but the authorization request carried no code_challenge.")
		}
		if verifier != "" {
			return oauth.InvalidGrant("code_verifier supplied but no code_challenge was registered.")
		}
		return nil
	}
	if verifier == "" {
		return oauth.InvalidGrant("code_verifier is required.")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return oauth.InvalidGrant("code_verifier length is out of range.")
	}

	switch code.CodeChallengeMethod {
	case "S256", "":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(code.CodeChallenge)) != 1 {
			return oauth.InvalidGrant("code_verifier does not match the challenge.")
		}
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(code.CodeChallenge)) != 1 {
			return oauth.InvalidGrant("code_verifier does not match the challenge.")
		}
	default:
		return oauth.InvalidGrant(fmt.Sprintf("Unsupported code_challenge_method %q.", code.CodeChallengeMethod))
	}
	return nil
}

func hasOfflineAccess(scopes []string) bool {
	for _, s := range scopes {
		if s == "offline_access" {
			return true
		}
	}
	return false
}
