package grant

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
)

// Handler evaluates one grant type. Protocol violations come back as
// *oauth.Error; anything else is an internal failure.
type Handler interface {
	GrantType() string
	Handle(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (*domain.GrantResult, error)
}

// Registry dispatches token requests to the handler registered for their
// grant_type, after checking the client's allow-list.
type Registry struct {
	handlers map[string]Handler
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRegistry indexes the given handlers by grant type. Duplicate registrations
// are a programming error.
func NewRegistry(logger *zap.Logger, handlers ...Handler) (*Registry, error) {
	index := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if _, dup := index[h.GrantType()]; dup {
			return nil, fmt.Errorf("duplicate grant handler for %q", h.GrantType())
		}
		index[h.GrantType()] = h
	}
	return &Registry{
		handlers: index,
		logger:   logger,
		tracer:   otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/grant"),
	}, nil
}

// Dispatch routes the request. Unknown grant types answer
// unsupported_grant_type; known types the client may not use answer
// unauthorized_client. Handler panics and non-protocol errors surface as
// server_error without leaking internals.
func (r *Registry) Dispatch(ctx context.Context, req *domain.TokenRequest, client *domain.Client) (result *domain.GrantResult, err error) {
	ctx, span := r.tracer.Start(ctx, "grant.Dispatch",
		trace.WithAttributes(attribute.String("oauth.grant_type", req.GrantType)))
	defer span.End()

	handler, ok := r.handlers[req.GrantType]
	if !ok {
		return nil, oauth.UnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported.", req.GrantType))
	}
	if !client.GrantTypeAllowed(req.GrantType) {
		return nil, oauth.UnauthorizedClient(fmt.Sprintf("Client is not authorized for grant type %q.", req.GrantType))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("grant handler panicked",
				zap.String("grant_type", req.GrantType),
				zap.String("client_id", client.ID),
				zap.Any("panic", rec))
			result, err = nil, oauth.ServerError()
		}
	}()

	result, err = handler.Handle(ctx, req, client)
	if err != nil {
		if oe, ok := oauth.AsError(err); ok {
			span.SetAttributes(attribute.String("oauth.error", oe.Code))
			return nil, oe
		}
		span.RecordError(err)
		r.logger.Error("grant handler failed",
			zap.String("grant_type", req.GrantType),
			zap.String("client_id", client.ID),
			zap.Error(err))
		return nil, oauth.ServerError()
	}
	return result, nil
}

// GrantTypes lists the registered grant type identifiers, for discovery.
func (r *Registry) GrantTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for gt := range r.handlers {
		out = append(out, gt)
	}
	return out
}
