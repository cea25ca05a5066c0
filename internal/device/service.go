package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// userCodeAlphabet avoids ambiguous characters for codes typed by humans.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// Defaults bound per-request parameters.
type Defaults struct {
	CodeLifetime    time.Duration
	PollInterval    time.Duration
	VerificationURI string
}

// AuthorizationResponse is the RFC 8628 section 3.2 body.
type AuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Service runs the device authorization lifecycle. Token-endpoint polling is
// handled by the device_code grant; this side issues codes and resolves them.
type Service struct {
	store    repository.DeviceAuthorizationStore
	defaults Defaults
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires dependencies.
func NewService(store repository.DeviceAuthorizationStore, defaults Defaults, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		logger:   logger,
		tracer:   otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/device"),
		now:      time.Now,
	}
}

// Authorize starts a device flow for the client and returns the code pair.
func (s *Service) Authorize(ctx context.Context, client *domain.Client, scope string) (*AuthorizationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "device.Authorize")
	defer span.End()

	if !client.GrantTypeAllowed(domain.GrantTypeDeviceCode) {
		return nil, oauth.UnauthorizedClient("Client is not authorized for the device flow.")
	}
	scopes := domain.SplitScope(scope)
	if len(scopes) > 0 && !client.ScopesAllowed(scopes) {
		return nil, oauth.InvalidScope("Requested scope exceeds the client allow-list.")
	}

	deviceCode, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	auth := domain.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		TenantID:   client.TenantID,
		ClientID:   client.ID,
		Scopes:     scopes,
		Status:     domain.DeviceStatusPending,
		ExpiresAt:  now.Add(s.defaults.CodeLifetime),
		Interval:   s.defaults.PollInterval,
		CreatedAt:  now,
	}
	if err := s.store.Create(ctx, auth); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist device authorization: %w", err)
	}

	s.logger.Info("device authorization issued",
		zap.String("client_id", client.ID),
		zap.String("user_code", userCode))

	return &AuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         s.defaults.VerificationURI,
		VerificationURIComplete: s.defaults.VerificationURI + "?user_code=" + userCode,
		ExpiresIn:               int(s.defaults.CodeLifetime.Seconds()),
		Interval:                int(s.defaults.PollInterval.Seconds()),
	}, nil
}

// Approve resolves a pending authorization with the authenticated subject.
func (s *Service) Approve(ctx context.Context, deviceCode, subjectID, sessionID string) error {
	if subjectID == "" {
		return oauth.InvalidRequest("subject is required to approve.")
	}
	return s.transition(ctx, deviceCode, domain.DeviceStatusApproved, subjectID, sessionID)
}

// Deny resolves a pending authorization negatively.
func (s *Service) Deny(ctx context.Context, deviceCode string) error {
	return s.transition(ctx, deviceCode, domain.DeviceStatusDenied, "", "")
}

func (s *Service) transition(ctx context.Context, deviceCode string, to domain.DeviceStatus, subjectID, sessionID string) error {
	err := s.store.TransitionFromPending(ctx, deviceCode, to, subjectID, sessionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return oauth.InvalidGrant("Unknown device_code.")
	case errors.Is(err, repository.ErrConflict):
		return oauth.InvalidGrant("The device authorization is already resolved.")
	default:
		return fmt.Errorf("transition device authorization: %w", err)
	}
}

func newUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate user code: %w", err)
	}
	var b strings.Builder
	for i, c := range raw {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String(), nil
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
