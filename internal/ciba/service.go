package ciba

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// UserNotificationService delivers the out-of-band authentication prompt for
// ping/push clients. Delivery is best-effort: a failure never fails the
// initiating call, the request simply stays Pending.
type UserNotificationService interface {
	NotifyUser(ctx context.Context, client *domain.Client, req *domain.CibaRequest) error
}

// InitiateRequest is the backchannel-authentication endpoint input.
type InitiateRequest struct {
	Scope           string
	LoginHint       string
	LoginHintToken  string
	IDTokenHint     string
	BindingMessage  string
	UserCode        string
	RequestedExpiry time.Duration
}

// InitiateResponse is returned to the consumption device.
type InitiateResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval"`
}

// Defaults bound client configuration.
type Defaults struct {
	RequestLifetime time.Duration
	PollInterval    time.Duration
	MaxLifetime     time.Duration
}

// Service manages the backchannel authentication request lifecycle:
// Pending -> Approved | Denied | Expired, with expiry applied lazily on reads.
type Service struct {
	store    repository.CibaRequestStore
	state    repository.ProtocolStateStore
	notifier UserNotificationService
	defaults Defaults
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires dependencies.
func NewService(store repository.CibaRequestStore, state repository.ProtocolStateStore, notifier UserNotificationService, defaults Defaults, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		state:    state,
		notifier: notifier,
		defaults: defaults,
		logger:   logger,
		tracer:   otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/ciba"),
		now:      time.Now,
	}
}

// Initiate validates and registers a new backchannel authentication request,
// returning its auth_req_id and polling parameters.
func (s *Service) Initiate(ctx context.Context, client *domain.Client, in InitiateRequest) (*InitiateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ciba.Initiate")
	defer span.End()

	if !client.CibaEnabled {
		return nil, oauth.UnauthorizedClient("Client is not enabled for backchannel authentication.")
	}

	hint, err := exactlyOneHint(in)
	if err != nil {
		return nil, err
	}

	scopes := domain.SplitScope(in.Scope)
	if len(scopes) == 0 {
		return nil, oauth.InvalidScope("scope is required.")
	}
	if !client.ScopesAllowed(scopes) {
		return nil, oauth.InvalidScope("Requested scope exceeds the client allow-list.")
	}
	if len(in.BindingMessage) > 20 {
		return nil, oauth.InvalidRequest("binding_message must not exceed 20 characters.")
	}

	lifetime := client.CibaRequestLifetime
	if lifetime <= 0 {
		lifetime = s.defaults.RequestLifetime
	}
	if in.RequestedExpiry > 0 && in.RequestedExpiry < lifetime {
		lifetime = in.RequestedExpiry
	}
	if s.defaults.MaxLifetime > 0 && lifetime > s.defaults.MaxLifetime {
		lifetime = s.defaults.MaxLifetime
	}
	interval := client.CibaPollingInterval
	if interval <= 0 {
		interval = s.defaults.PollInterval
	}

	now := s.now().UTC()
	req := domain.CibaRequest{
		AuthReqID:      uuid.NewString(),
		TenantID:       client.TenantID,
		ClientID:       client.ID,
		Scopes:         scopes,
		BindingMessage: in.BindingMessage,
		UserCode:       in.UserCode,
		LoginHint:      hint,
		Status:         domain.CibaStatusPending,
		ExpiresAt:      now.Add(lifetime),
		Interval:       interval,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, req); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist ciba request: %w", err)
	}

	// Stash the correlation payload for the authentication device.
	if payload, err := json.Marshal(map[string]any{
		"auth_req_id":     req.AuthReqID,
		"binding_message": req.BindingMessage,
		"user_code":       req.UserCode,
		"login_hint":      req.LoginHint,
		"scope":           domain.JoinScope(req.Scopes),
	}); err == nil {
		if err := s.state.Store(ctx, "ciba:"+req.AuthReqID, payload, lifetime); err != nil {
			s.logger.Warn("stash ciba correlation state failed", zap.String("auth_req_id", req.AuthReqID), zap.Error(err))
		}
	}

	// Ping/push delivery is best-effort; the request stays Pending on failure
	// and the user may still authenticate out of band.
	if client.CibaDeliveryMode == domain.CibaModePing || client.CibaDeliveryMode == domain.CibaModePush {
		if err := s.notifier.NotifyUser(ctx, client, &req); err != nil {
			s.logger.Warn("ciba notification failed",
				zap.String("auth_req_id", req.AuthReqID),
				zap.String("client_id", client.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("ciba request initiated",
		zap.String("auth_req_id", req.AuthReqID),
		zap.String("client_id", client.ID),
		zap.Duration("lifetime", lifetime))

	return &InitiateResponse{
		AuthReqID: req.AuthReqID,
		ExpiresIn: int(lifetime.Seconds()),
		Interval:  int(interval.Seconds()),
	}, nil
}

// GetStatus answers a token-endpoint poll. An expired Pending request is
// transitioned before answering, and polls arriving faster than the request's
// Interval are rejected with slow_down.
func (s *Service) GetStatus(ctx context.Context, client *domain.Client, authReqID string) (*domain.CibaRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ciba.GetStatus")
	defer span.End()

	req, err := s.store.Get(ctx, authReqID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauth.InvalidGrant("Unknown auth_req_id.")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load ciba request: %w", err)
	}
	if req.ClientID != client.ID || req.TenantID != client.TenantID {
		return nil, oauth.InvalidGrant("auth_req_id was issued to a different client.")
	}

	now := s.now().UTC()

	// Lazy expiry: an overdue Pending request is first moved to Expired. A
	// conflict means an approver won the race, so re-read.
	if req.ExpiredAt(now) {
		err := s.store.TransitionFromPending(ctx, authReqID, domain.CibaStatusExpired, "", "")
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			span.RecordError(err)
			return nil, fmt.Errorf("expire ciba request: %w", err)
		}
		req, err = s.store.Get(ctx, authReqID)
		if err != nil {
			return nil, fmt.Errorf("reload ciba request: %w", err)
		}
	}

	if req.Status == domain.CibaStatusPending {
		previous, err := s.store.TouchPolled(ctx, authReqID, now)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("record ciba poll: %w", err)
		}
		if !previous.IsZero() && now.Sub(previous) < req.Interval {
			return nil, oauth.SlowDown()
		}
	}

	return &req, nil
}

// Approve resolves a Pending request with the authenticated subject. Idempotent
// on already-approved requests; it will not flip a Denied or Expired request.
func (s *Service) Approve(ctx context.Context, authReqID, subjectID, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "ciba.Approve")
	defer span.End()

	if subjectID == "" {
		return oauth.InvalidRequest("subject is required to approve.")
	}
	err := s.store.TransitionFromPending(ctx, authReqID, domain.CibaStatusApproved, subjectID, sessionID)
	if err == nil {
		s.logger.Info("ciba request approved", zap.String("auth_req_id", authReqID))
		_ = s.state.Remove(ctx, "ciba:"+authReqID)
		return nil
	}
	return s.terminalRaceOutcome(ctx, authReqID, domain.CibaStatusApproved, err)
}

// Deny resolves a Pending request negatively. Same idempotency contract as
// Approve.
func (s *Service) Deny(ctx context.Context, authReqID string) error {
	ctx, span := s.tracer.Start(ctx, "ciba.Deny")
	defer span.End()

	err := s.store.TransitionFromPending(ctx, authReqID, domain.CibaStatusDenied, "", "")
	if err == nil {
		s.logger.Info("ciba request denied", zap.String("auth_req_id", authReqID))
		_ = s.state.Remove(ctx, "ciba:"+authReqID)
		return nil
	}
	return s.terminalRaceOutcome(ctx, authReqID, domain.CibaStatusDenied, err)
}

// Consume redeems an approved request exactly once. The conditional update
// makes concurrent token-endpoint redemptions lose cleanly, so one approval
// yields one token response.
func (s *Service) Consume(ctx context.Context, authReqID string) error {
	ctx, span := s.tracer.Start(ctx, "ciba.Consume")
	defer span.End()

	err := s.store.ConsumeApproved(ctx, authReqID)
	switch {
	case err == nil:
		s.logger.Info("ciba request redeemed", zap.String("auth_req_id", authReqID))
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return oauth.InvalidGrant("Unknown auth_req_id.")
	case errors.Is(err, repository.ErrConflict):
		return oauth.InvalidGrant("auth_req_id has already been redeemed.")
	}
	span.RecordError(err)
	return fmt.Errorf("consume ciba request: %w", err)
}

// terminalRaceOutcome resolves a failed Pending-only transition: repeating the
// same terminal outcome is a no-op, flipping to a different one is an error.
func (s *Service) terminalRaceOutcome(ctx context.Context, authReqID string, wanted domain.CibaStatus, cause error) error {
	if errors.Is(cause, repository.ErrNotFound) {
		return oauth.InvalidGrant("Unknown auth_req_id.")
	}
	if !errors.Is(cause, repository.ErrConflict) {
		return fmt.Errorf("transition ciba request: %w", cause)
	}
	req, err := s.store.Get(ctx, authReqID)
	if err != nil {
		return fmt.Errorf("reload ciba request: %w", err)
	}
	if req.Status == wanted {
		return nil
	}
	return oauth.InvalidGrant(fmt.Sprintf("Request is already %s.", req.Status))
}

func exactlyOneHint(in InitiateRequest) (string, error) {
	var hints []string
	for _, h := range []string{in.LoginHint, in.LoginHintToken, in.IDTokenHint} {
		if strings.TrimSpace(h) != "" {
			hints = append(hints, strings.TrimSpace(h))
		}
	}
	if len(hints) != 1 {
		return "", oauth.InvalidRequest("Exactly one of login_hint, login_hint_token or id_token_hint must be provided.")
	}
	return hints[0], nil
}
