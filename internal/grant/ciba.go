package grant

import (
	"context"
	"time"

	"github.com/SyndewTech/Oluso-sub001/internal/ciba"
	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
)

// CibaHandler redeems backchannel authentication requests at the token
// endpoint. Poll discipline and lifecycle live in the ciba service; this
// handler only maps the resulting status onto grant semantics.
type CibaHandler struct {
	ciba *ciba.Service
	now  func() time.Time
}

// NewCibaHandler wires the backchannel service.
func NewCibaHandler(svc *ciba.Service) *CibaHandler {
	return &CibaHandler{ciba: svc, now: time.Now}
}

func (h *CibaHandler) GrantType() string { return domain.GrantTypeCiba }

func (h *CibaHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.AuthReqID == "" {
		return nil, oauth.InvalidRequest("auth_req_id is required.")
	}

	auth, err := h.ciba.GetStatus(ctx, client, req.AuthReqID)
	if err != nil {
		return nil, err
	}

	switch auth.Status {
	case domain.CibaStatusPending:
		return nil, oauth.AuthorizationPending()
	case domain.CibaStatusDenied:
		return nil, oauth.AccessDenied("The user denied the authentication request.")
	case domain.CibaStatusExpired:
		return nil, oauth.ExpiredToken("The auth_req_id has expired.")
	case domain.CibaStatusRedeemed:
		return nil, oauth.InvalidGrant("auth_req_id has already been redeemed.")
	}

	// An approval left uncollected past the request lifetime is stale.
	if h.now().UTC().After(auth.ExpiresAt) {
		return nil, oauth.ExpiredToken("The auth_req_id has expired.")
	}

	// Single-use: the first poll to land the conditional flip collects the
	// tokens, concurrent or repeated polls get invalid_grant.
	if err := h.ciba.Consume(ctx, req.AuthReqID); err != nil {
		return nil, err
	}

	return &domain.GrantResult{
		SubjectID:         auth.SubjectID,
		ClientID:          client.ID,
		Scopes:            auth.Scopes,
		SessionID:         auth.SessionID,
		AuthTime:          auth.CreatedAt,
		AMR:               []string{"ciba"},
		IssueRefreshToken: hasOfflineAccess(auth.Scopes),
	}, nil
}
