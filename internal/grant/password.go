package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/password"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// PasswordHandler implements the legacy resource-owner password grant for
// clients migrated from systems that still depend on it.
type PasswordHandler struct {
	users  repository.UserStore
	logger *zap.Logger
	now    func() time.Time
}

// NewPasswordHandler wires the user store.
func NewPasswordHandler(users repository.UserStore, logger *zap.Logger) *PasswordHandler {
	return &PasswordHandler{users: users, logger: logger, now: time.Now}
}

func (h *PasswordHandler) GrantType() string { return domain.GrantTypePassword }

func (h *PasswordHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.Username == "" || req.Password == "" {
		return nil, oauth.InvalidRequest("username and password are required.")
	}

	user, err := h.users.GetByUsername(ctx, req.TenantID, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Same answer as a bad password so usernames cannot be enumerated.
			return nil, oauth.InvalidGrant("Invalid username or password.")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	ok, err := password.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		h.logger.Warn("password grant authentication failed",
			zap.String("client_id", client.ID),
			zap.String("tenant_id", req.TenantID))
		return nil, oauth.InvalidGrant("Invalid username or password.")
	}
	if user.Disabled {
		return nil, oauth.InvalidGrant("The user account is disabled.")
	}

	scopes := domain.SplitScope(req.Scope)
	if len(scopes) > 0 && !client.ScopesAllowed(scopes) {
		return nil, oauth.InvalidScope("Requested scope exceeds the client allow-list.")
	}

	return &domain.GrantResult{
		SubjectID:         user.ID,
		ClientID:          client.ID,
		Scopes:            scopes,
		SessionID:         uuid.NewString(),
		AuthTime:          h.now().UTC(),
		AMR:               []string{"pwd"},
		IssueRefreshToken: hasOfflineAccess(scopes),
	}, nil
}
