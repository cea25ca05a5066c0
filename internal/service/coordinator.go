package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/dpop"
	"github.com/SyndewTech/Oluso-sub001/internal/grant"
	"github.com/SyndewTech/Oluso-sub001/internal/password"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
	"github.com/SyndewTech/Oluso-sub001/internal/token"
)

// TokenTTLDefaults backfills lifetimes for clients registered without them,
// so a zero TTL on the client row means "use the deployment default" instead
// of failing the mint.
type TokenTTLDefaults struct {
	AccessToken   time.Duration
	IdentityToken time.Duration
	RefreshToken  time.Duration
}

// Coordinator is the token endpoint pipeline: authenticate the client, verify
// any DPoP proof, dispatch the grant, then mint the response.
type Coordinator struct {
	clients  repository.ClientStore
	registry *grant.Registry
	dpop     *dpop.Validator
	tokens   *token.Service
	ttls     TokenTTLDefaults
	logger   *zap.Logger
	audit    *zap.Logger
	tracer   trace.Tracer
}

// NewCoordinator wires dependencies.
func NewCoordinator(clients repository.ClientStore, registry *grant.Registry, validator *dpop.Validator, tokens *token.Service, ttls TokenTTLDefaults, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		clients:  clients,
		registry: registry,
		dpop:     validator,
		tokens:   tokens,
		ttls:     ttls,
		logger:   logger,
		audit:    logger.Named("audit"),
		tracer:   otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/service"),
	}
}

// HandleTokenRequest runs one token endpoint call end to end.
func (c *Coordinator) HandleTokenRequest(ctx context.Context, req *domain.TokenRequest) (*token.Response, error) {
	ctx, span := c.tracer.Start(ctx, "service.HandleTokenRequest",
		trace.WithAttributes(
			attribute.String("oauth.grant_type", req.GrantType),
			attribute.String("oauth.client_id", req.ClientID)))
	defer span.End()

	client, err := c.authenticateClient(ctx, req)
	if err != nil {
		c.audit.Warn("client authentication failed",
			zap.String("client_id", req.ClientID),
			zap.String("tenant_id", req.TenantID),
			zap.String("grant_type", req.GrantType))
		return nil, err
	}

	thumbprint, err := c.verifyProof(ctx, req, client)
	if err != nil {
		return nil, err
	}

	result, err := c.registry.Dispatch(ctx, req, client)
	if err != nil {
		if oe, ok := oauth.AsError(err); ok {
			c.audit.Info("grant rejected",
				zap.String("client_id", client.ID),
				zap.String("grant_type", req.GrantType),
				zap.String("error", oe.Code))
		}
		return nil, err
	}

	resp, err := c.tokens.CreateTokenResponse(ctx, result, c.creationRequest(client, result, thumbprint))
	if err != nil {
		span.RecordError(err)
		c.logger.Error("token minting failed",
			zap.String("client_id", client.ID),
			zap.String("grant_type", req.GrantType),
			zap.Error(err))
		return nil, oauth.ServerError()
	}
	if result.RotatedRefreshHandle != "" {
		resp.RefreshToken = result.RotatedRefreshHandle
	}

	c.audit.Info("tokens issued",
		zap.String("client_id", client.ID),
		zap.String("tenant_id", client.TenantID),
		zap.String("grant_type", req.GrantType),
		zap.String("subject_id", result.SubjectID),
		zap.Bool("dpop_bound", thumbprint != ""))
	return resp, nil
}

func (c *Coordinator) authenticateClient(ctx context.Context, req *domain.TokenRequest) (*domain.Client, error) {
	return c.Authenticate(ctx, req.TenantID, req.ClientID, req.ClientSecret)
}

// Authenticate resolves and authenticates a client. Everything wrong with the
// credentials answers invalid_client with 401 per RFC 6749 section 5.2.
func (c *Coordinator) Authenticate(ctx context.Context, tenantID, clientID, clientSecret string) (*domain.Client, error) {
	if clientID == "" {
		return nil, oauth.InvalidClient("client_id is required.")
	}
	client, err := c.clients.GetClient(ctx, tenantID, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauth.InvalidClient("Unknown client.")
		}
		return nil, fmt.Errorf("resolve client: %w", err)
	}
	if !client.Enabled {
		return nil, oauth.InvalidClient("Client is disabled.")
	}

	if client.SecretHash != "" {
		if clientSecret == "" {
			return nil, oauth.InvalidClient("Client authentication is required.")
		}
		ok, err := password.Verify(clientSecret, client.SecretHash)
		if err != nil || !ok {
			return nil, oauth.InvalidClient("Invalid client credentials.")
		}
	} else if clientSecret != "" {
		return nil, oauth.InvalidClient("Public clients must not send a client_secret.")
	}

	return &client, nil
}

// verifyProof enforces the client's DPoP posture and validates any proof sent.
func (c *Coordinator) verifyProof(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (string, error) {
	if req.DPoPProof == "" {
		if client.RequireDPoP {
			return "", oauth.InvalidDPoPProof("Client requires DPoP-bound tokens but sent no proof.")
		}
		return "", nil
	}
	return c.dpop.Validate(ctx, req.DPoPProof, req.HTTPMethod, req.HTTPTarget, "")
}

// creationRequest maps the grant outcome onto the minting request using the
// client's configured lifetimes and token shape.
func (c *Coordinator) creationRequest(client *domain.Client, result *domain.GrantResult, thumbprint string) *domain.TokenCreationRequest {
	return &domain.TokenCreationRequest{
		SubjectID: result.SubjectID,
		Client:    client,
		Scopes:    result.Scopes,
		Claims:    result.Claims,

		AccessTokenLifetime:   orDefault(client.AccessTokenTTL, c.ttls.AccessToken),
		IdentityTokenLifetime: orDefault(client.IdentityTokenTTL, c.ttls.IdentityToken),
		RefreshTokenLifetime:  orDefault(client.RefreshTokenTTL, c.ttls.RefreshToken),

		SessionID: result.SessionID,
		AuthTime:  result.AuthTime,
		AMR:       result.AMR,
		ACR:       result.ACR,
		Nonce:     result.Nonce,

		DPoPKeyThumbprint:   thumbprint,
		PairWiseSubjectSalt: client.PairWiseSubjectSalt,
		IsReference:         client.AccessTokenIsReference,
		IncludeIdentity:     result.SubjectID != "",
		IncludeRefresh:      result.IssueRefreshToken,
	}
}

func orDefault(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
