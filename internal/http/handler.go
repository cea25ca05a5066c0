package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/ciba"
	"github.com/SyndewTech/Oluso-sub001/internal/device"
	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/grant"
	"github.com/SyndewTech/Oluso-sub001/internal/keys"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
	"github.com/SyndewTech/Oluso-sub001/internal/service"
)

const defaultTenant = "default"

// Handler exposes the OAuth2 / OIDC endpoints.
type Handler struct {
	coordinator *service.Coordinator
	ciba        *ciba.Service
	devices     *device.Service
	keys        *keys.Service
	registry    *grant.Registry
	issuer      string
	jwksMaxAge  time.Duration
	logger      *zap.Logger
}

// NewHandler wires dependencies.
func NewHandler(coordinator *service.Coordinator, cibaSvc *ciba.Service, deviceSvc *device.Service, keySvc *keys.Service, registry *grant.Registry, issuer string, jwksMaxAge time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		ciba:        cibaSvc,
		devices:     deviceSvc,
		keys:        keySvc,
		registry:    registry,
		issuer:      strings.TrimSuffix(issuer, "/"),
		jwksMaxAge:  jwksMaxAge,
		logger:      logger,
	}
}

// Token is the RFC 6749 token endpoint.
func (h *Handler) Token(c *gin.Context) {
	req := &domain.TokenRequest{
		TenantID:     tenantID(c),
		GrantType:    c.PostForm("grant_type"),
		ClientID:     c.PostForm("client_id"),
		ClientSecret: c.PostForm("client_secret"),
		Scope:        c.PostForm("scope"),

		Code:         c.PostForm("code"),
		RedirectURI:  c.PostForm("redirect_uri"),
		CodeVerifier: c.PostForm("code_verifier"),

		RefreshToken: c.PostForm("refresh_token"),
		DeviceCode:   c.PostForm("device_code"),
		AuthReqID:    c.PostForm("auth_req_id"),

		Username: c.PostForm("username"),
		Password: c.PostForm("password"),

		SubjectToken:     c.PostForm("subject_token"),
		SubjectTokenType: c.PostForm("subject_token_type"),
		ActorToken:       c.PostForm("actor_token"),
		ActorTokenType:   c.PostForm("actor_token_type"),
		Audience:         c.PostForm("audience"),

		DPoPProof:  c.GetHeader("DPoP"),
		HTTPMethod: c.Request.Method,
		HTTPTarget: h.issuer + c.Request.URL.Path,
	}
	if id, secret, ok := c.Request.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	resp, err := h.coordinator.HandleTokenRequest(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// JWKS publishes the verification keys for a tenant, optionally scoped to one
// client via the client_id query parameter.
func (h *Handler) JWKS(c *gin.Context) {
	set, err := h.keys.JWKS(c.Request.Context(), tenantID(c), c.Query("client_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.jwksMaxAge.Seconds())))
	c.JSON(http.StatusOK, set)
}

// Discovery renders the OIDC provider metadata document.
func (h *Handler) Discovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                h.issuer,
		"token_endpoint":                        h.issuer + "/oauth/token",
		"jwks_uri":                              h.issuer + "/.well-known/jwks.json",
		"device_authorization_endpoint":         h.issuer + "/oauth/device_authorization",
		"backchannel_authentication_endpoint":   h.issuer + "/oauth/bc-authorize",
		"grant_types_supported":                 h.registry.GrantTypes(),
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"backchannel_token_delivery_modes_supported": []string{domain.CibaModePoll, domain.CibaModePing, domain.CibaModePush},
		"code_challenge_methods_supported":           []string{"S256", "plain"},
		"dpop_signing_alg_values_supported":          []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"},
		"id_token_signing_alg_values_supported":      []string{"RS256", "ES256"},
		"subject_types_supported":                    []string{"public", "pairwise"},
		"scopes_supported":                           []string{"openid", "profile", "email", "offline_access"},
	})
}

// BackchannelAuthorize is the CIBA initiation endpoint.
func (h *Handler) BackchannelAuthorize(c *gin.Context) {
	client, ok := h.authenticate(c)
	if !ok {
		return
	}

	in := ciba.InitiateRequest{
		Scope:          c.PostForm("scope"),
		LoginHint:      c.PostForm("login_hint"),
		LoginHintToken: c.PostForm("login_hint_token"),
		IDTokenHint:    c.PostForm("id_token_hint"),
		BindingMessage: c.PostForm("binding_message"),
		UserCode:       c.PostForm("user_code"),
	}
	if v := c.PostForm("requested_expiry"); v != "" {
		d, err := time.ParseDuration(v + "s")
		if err != nil {
			h.writeError(c, oauth.InvalidRequest("requested_expiry must be an integer number of seconds."))
			return
		}
		in.RequestedExpiry = d
	}

	resp, err := h.ciba.Initiate(c.Request.Context(), client, in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeviceAuthorize is the RFC 8628 device authorization endpoint.
func (h *Handler) DeviceAuthorize(c *gin.Context) {
	client, ok := h.authenticate(c)
	if !ok {
		return
	}
	resp, err := h.devices.Authorize(c.Request.Context(), client, c.PostForm("scope"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CibaApprove resolves a pending backchannel request positively. Called by the
// authentication device after it has verified the user.
func (h *Handler) CibaApprove(c *gin.Context) {
	var body struct {
		SubjectID string `json:"subject_id"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, oauth.InvalidRequest("Malformed approval body."))
		return
	}
	if err := h.ciba.Approve(c.Request.Context(), c.Param("auth_req_id"), body.SubjectID, body.SessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CibaDeny resolves a pending backchannel request negatively.
func (h *Handler) CibaDeny(c *gin.Context) {
	if err := h.ciba.Deny(c.Request.Context(), c.Param("auth_req_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeviceApprove resolves a pending device authorization positively.
func (h *Handler) DeviceApprove(c *gin.Context) {
	var body struct {
		SubjectID string `json:"subject_id"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, oauth.InvalidRequest("Malformed approval body."))
		return
	}
	if err := h.devices.Approve(c.Request.Context(), c.Param("device_code"), body.SubjectID, body.SessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeviceDeny resolves a pending device authorization negatively.
func (h *Handler) DeviceDeny(c *gin.Context) {
	if err := h.devices.Deny(c.Request.Context(), c.Param("device_code")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListKeys returns signing key metadata for operators. Private material is
// never included.
func (h *Handler) ListKeys(c *gin.Context) {
	list, err := h.keys.ListKeys(c.Request.Context(), tenantID(c), c.Query("client_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, k := range list {
		out = append(out, gin.H{
			"key_id":      k.KeyID,
			"client_id":   k.ClientID,
			"type":        k.Type,
			"algorithm":   k.Algorithm,
			"use":         k.Use,
			"status":      k.EffectiveStatus(time.Now().UTC()),
			"provider":    k.Provider,
			"activate_at": k.ActivateAt,
			"expires_at":  k.ExpiresAt,
			"priority":    k.Priority,
			"created_at":  k.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// GenerateKey provisions a key with an explicit spec instead of the rotation
// defaults.
func (h *Handler) GenerateKey(c *gin.Context) {
	var body struct {
		ClientID   string `json:"client_id"`
		Backend    string `json:"backend"`
		Type       string `json:"type"`
		Algorithm  string `json:"algorithm"`
		Size       int    `json:"size"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, oauth.InvalidRequest("Malformed key spec."))
		return
	}
	if body.Type == "" || body.Algorithm == "" || body.TTLSeconds <= 0 {
		h.writeError(c, oauth.InvalidRequest("type, algorithm and ttl_seconds are required."))
		return
	}

	now := time.Now().UTC()
	key, err := h.keys.GenerateKey(c.Request.Context(), body.Backend, keys.Spec{
		TenantID:   tenantID(c),
		ClientID:   body.ClientID,
		Type:       domain.KeyType(body.Type),
		Algorithm:  body.Algorithm,
		Size:       body.Size,
		ActivateAt: now,
		ExpiresAt:  now.Add(time.Duration(body.TTLSeconds) * time.Second),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key_id":      key.KeyID,
		"algorithm":   key.Algorithm,
		"provider":    key.Provider,
		"status":      key.Status,
		"activate_at": key.ActivateAt,
		"expires_at":  key.ExpiresAt,
	})
}

// RotateKeys provisions a successor key for the scope and returns its metadata.
func (h *Handler) RotateKeys(c *gin.Context) {
	key, err := h.keys.RotateKeys(c.Request.Context(), tenantID(c), c.Query("client_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key_id":      key.KeyID,
		"algorithm":   key.Algorithm,
		"status":      key.Status,
		"activate_at": key.ActivateAt,
		"expires_at":  key.ExpiresAt,
	})
}

// RevokeKey marks a key compromised. Idempotent.
func (h *Handler) RevokeKey(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := h.keys.RevokeKey(c.Request.Context(), c.Param("key_id"), body.Reason); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(c, oauth.InvalidRequest("Unknown key."))
			return
		}
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) authenticate(c *gin.Context) (*domain.Client, bool) {
	clientID, clientSecret := c.PostForm("client_id"), c.PostForm("client_secret")
	if id, secret, ok := c.Request.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	client, err := h.coordinator.Authenticate(c.Request.Context(), tenantID(c), clientID, clientSecret)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return client, true
}

// writeError renders protocol errors onto the wire and hides everything else
// behind server_error.
func (h *Handler) writeError(c *gin.Context, err error) {
	oe, ok := oauth.AsError(err)
	if !ok {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		oe = oauth.ServerError()
	}
	c.JSON(oe.Status, gin.H{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func tenantID(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader("X-Tenant-ID")); t != "" {
		return t
	}
	return defaultTenant
}
