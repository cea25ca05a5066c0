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

// DeviceCodeHandler answers device-code polls at the token endpoint (RFC 8628
// section 3.4) with pending/slow_down discipline and lazy expiry.
type DeviceCodeHandler struct {
	devices repository.DeviceAuthorizationStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeviceCodeHandler wires the device authorization store.
func NewDeviceCodeHandler(devices repository.DeviceAuthorizationStore, logger *zap.Logger) *DeviceCodeHandler {
	return &DeviceCodeHandler{devices: devices, logger: logger, now: time.Now}
}

func (h *DeviceCodeHandler) GrantType() string { return domain.GrantTypeDeviceCode }

func (h *DeviceCodeHandler) Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error) {
	if req.DeviceCode == "" {
		return nil, oauth.InvalidRequest("device_code is required.")
	}

	auth, err := h.devices.Get(ctx, req.TenantID, req.DeviceCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauth.InvalidGrant("Unknown device_code.")
		}
		return nil, fmt.Errorf("load device authorization: %w", err)
	}
	if auth.ClientID != client.ID {
		return nil, oauth.InvalidGrant("device_code was issued to a different client.")
	}

	now := h.now().UTC()

	// Lazy expiry: flip an overdue Pending authorization before answering.
	// Losing the conditional write means approval won the race; re-read.
	if auth.ExpiredAt(now) {
		err := h.devices.TransitionFromPending(ctx, req.DeviceCode, domain.DeviceStatusExpired, "", "")
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("expire device authorization: %w", err)
		}
		auth, err = h.devices.Get(ctx, req.TenantID, req.DeviceCode)
		if err != nil {
			return nil, fmt.Errorf("reload device authorization: %w", err)
		}
	}

	switch auth.Status {
	case domain.DeviceStatusPending:
		previous, err := h.devices.TouchPolled(ctx, req.DeviceCode, now)
		if err != nil {
			return nil, fmt.Errorf("record device poll: %w", err)
		}
		if !previous.IsZero() && now.Sub(previous) < auth.Interval {
			return nil, oauth.SlowDown()
		}
		return nil, oauth.AuthorizationPending()
	case domain.DeviceStatusDenied:
		return nil, oauth.AccessDenied("The user denied the authorization request.")
	case domain.DeviceStatusExpired:
		return nil, oauth.ExpiredToken("The device_code has expired.")
	case domain.DeviceStatusRedeemed:
		return nil, oauth.InvalidGrant("device_code has already been redeemed.")
	case domain.DeviceStatusApproved:
		// fall through
	default:
		return nil, fmt.Errorf("device authorization in unknown status %q", auth.Status)
	}

	// An approval the device never collected still dies at ExpiresAt.
	if now.After(auth.ExpiresAt) {
		return nil, oauth.ExpiredToken("The device_code has expired.")
	}

	// Single-use: losing the conditional flip means another poll already
	// collected the tokens.
	if err := h.devices.ConsumeApproved(ctx, req.DeviceCode); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil, oauth.InvalidGrant("device_code has already been redeemed.")
		}
		return nil, fmt.Errorf("redeem device authorization: %w", err)
	}

	h.logger.Info("device authorization redeemed",
		zap.String("client_id", client.ID),
		zap.String("user_code", auth.UserCode))

	return &domain.GrantResult{
		SubjectID:         auth.SubjectID,
		ClientID:          client.ID,
		Scopes:            auth.Scopes,
		SessionID:         auth.SessionID,
		AuthTime:          auth.CreatedAt,
		AMR:               []string{"device"},
		IssueRefreshToken: hasOfflineAccess(auth.Scopes),
	}, nil
}
