package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// RefreshTokenHandler redeems refresh token handles, rotating them atomically
// for one-time-only clients.
type RefreshTokenHandler struct {
	tokens    repository.RefreshTokenStore
	logger    *zap.Logger
	newHandle func() string
	now       func() time.Time
}

// NewRefreshTokenHandler wires the refresh token store.
func NewRefreshTokenHandler(tokens repository.RefreshTokenStore, newHandle func() string, logger *zap.Logger) *RefreshTokenHandler {
	return &RefreshTokenHandler{tokens: tokens, logger: logger, newHandle: newHandle, now: time.Now}
}

func (h *RefreshTokenHandler) GrantType() string { return domain.GrantTypeRefreshToken }

func (h *RefreshTokenHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.RefreshToken == "" {
		return nil, oauth.InvalidRequest("refresh_token is required.")
	}

	stored, err := h.tokens.Get(ctx, req.TenantID, req.RefreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauth.InvalidGrant("Refresh token is invalid.")
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if stored.ClientID != client.ID {
		return nil, oauth.InvalidGrant("Refresh token was issued to a different client.")
	}
	if stored.Revoked {
		h.logger.Warn("revoked refresh token presented",
			zap.String("client_id", client.ID),
			zap.String("session_id", stored.SessionID))
		return nil, oauth.InvalidGrant("Refresh token has been revoked.")
	}
	if h.now().UTC().After(stored.ExpiresAt) {
		return nil, oauth.InvalidGrant("Refresh token has expired.")
	}

	scopes, err := narrowScopes(stored.Scopes, req.Scope)
	if err != nil {
		return nil, err
	}

	result := &domain.GrantResult{
		SubjectID: stored.SubjectID,
		ClientID:  client.ID,
		Scopes:    scopes,
		SessionID: stored.SessionID,
		AuthTime:  stored.AuthTime,
		AMR:       stored.AMR,
		ACR:       stored.ACR,
	}

	if client.RefreshTokenUsage == domain.RefreshTokenOneTimeOnly {
		// Rotate revokes the presented handle and inserts the successor in one
		// conditional write, so a concurrent redemption of the same handle
		// loses. The successor keeps the original absolute expiry.
		next := stored
		next.Handle = h.newHandle()
		next.RotatedFrom = stored.Handle
		next.CreatedAt = h.now().UTC()
		if err := h.tokens.Rotate(ctx, req.TenantID, stored.Handle, next); err != nil {
			if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
				return nil, oauth.InvalidGrant("Refresh token has already been rotated.")
			}
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}
		result.RotatedRefreshHandle = next.Handle
	}

	return result, nil
}

// narrowScopes applies the optional scope parameter: the redeemed grant may
// shrink but never widen the originally granted scopes.
func narrowScopes(granted []string, requested string) ([]string, error) {
	if requested == "" {
		return granted, nil
	}
	index := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		index[s] = struct{}{}
	}
	narrowed := domain.SplitScope(requested)
	for _, s := range narrowed {
		if _, ok := index[s]; !ok {
			return nil, oauth.InvalidScope(fmt.Sprintf("Scope %q was not originally granted.", s))
		}
	}
	return narrowed, nil
}
