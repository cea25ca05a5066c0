package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sort"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// ErrNoActiveKey is returned when no key is usable for signing and
// auto-provisioning is disabled.
var ErrNoActiveKey = errors.New("keys: no active signing key")

// RotationPolicy drives the background lifecycle sweep and key defaults.
type RotationPolicy struct {
	// RotationLead is how far before expiry a successor is generated.
	RotationLead time.Duration
	// GracePeriod keeps expired keys verifiable before archival.
	GracePeriod time.Duration
	// MaxKeys caps stored keys per (tenant, client); oldest retired first.
	MaxKeys int
	// AutoProvision generates a key on demand when none is active.
	AutoProvision bool
	// HonorRevokedSignatures lets verifiers keep accepting tokens signed by a
	// revoked key. Availability over strictness; off by default.
	HonorRevokedSignatures bool

	DefaultType      domain.KeyType
	DefaultAlgorithm string
	DefaultSize      int
	DefaultTTL       time.Duration
}

// Credentials pairs key metadata with a signing capability.
type Credentials struct {
	Key    domain.SigningKey
	Signer crypto.Signer
}

// Service orchestrates key material providers and owns key lifecycle state.
type Service struct {
	store     repository.SigningKeyStore
	providers map[string]MaterialProvider
	defaults  string
	policy    RotationPolicy
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService registers the given providers; defaultBackend is used when a
// caller does not name one.
func NewService(store repository.SigningKeyStore, defaultBackend string, policy RotationPolicy, logger *zap.Logger, providers ...MaterialProvider) (*Service, error) {
	registry := make(map[string]MaterialProvider, len(providers))
	for _, p := range providers {
		registry[p.Backend()] = p
	}
	if _, ok := registry[defaultBackend]; !ok {
		return nil, fmt.Errorf("keys: default backend %q not registered", defaultBackend)
	}
	return &Service{
		store:     store,
		providers: registry,
		defaults:  defaultBackend,
		policy:    policy,
		logger:    logger,
		tracer:    otel.Tracer("github.com/SyndewTech/Oluso-sub001/internal/keys"),
		now:       time.Now,
	}, nil
}

// GenerateKey delegates to the provider for the requested backend and persists
// the returned metadata. Only public material reaches the store.
func (s *Service) GenerateKey(ctx context.Context, backend string, spec Spec) (domain.SigningKey, error) {
	ctx, span := s.tracer.Start(ctx, "keys.GenerateKey")
	defer span.End()

	if backend == "" {
		backend = s.defaults
	}
	provider, ok := s.providers[backend]
	if !ok {
		return domain.SigningKey{}, fmt.Errorf("keys: unknown backend %q", backend)
	}
	if spec.Use == "" {
		spec.Use = domain.KeyUseSigning
	}

	key, err := provider.Generate(ctx, spec)
	if err != nil {
		span.RecordError(err)
		return domain.SigningKey{}, fmt.Errorf("generate key: %w", err)
	}
	if err := s.store.Create(ctx, key); err != nil {
		span.RecordError(err)
		return domain.SigningKey{}, fmt.Errorf("persist key: %w", err)
	}

	s.logger.Info("signing key generated",
		zap.String("key_id", key.KeyID),
		zap.String("tenant_id", key.TenantID),
		zap.String("client_id", key.ClientID),
		zap.String("backend", backend),
		zap.String("algorithm", key.Algorithm))
	return key, nil
}

// SigningCredentials resolves the current Active signing key for the scope and
// asks the owning provider for a signer. Tie-break: highest Priority, then most
// recent ActivateAt. When nothing is active and AutoProvision is on, a default
// key is generated on the spot.
func (s *Service) SigningCredentials(ctx context.Context, tenantID, clientID string) (Credentials, error) {
	ctx, span := s.tracer.Start(ctx, "keys.SigningCredentials")
	defer span.End()

	key, err := s.activeKey(ctx, tenantID, clientID)
	if errors.Is(err, ErrNoActiveKey) && s.policy.AutoProvision {
		key, err = s.GenerateKey(ctx, s.defaults, s.defaultSpec(tenantID, clientID))
	}
	if err != nil {
		span.RecordError(err)
		return Credentials{}, err
	}

	provider, ok := s.providers[key.Provider]
	if !ok {
		return Credentials{}, fmt.Errorf("keys: key %s owned by unregistered backend %q", key.KeyID, key.Provider)
	}
	signer, err := provider.Signer(ctx, key)
	if err != nil {
		span.RecordError(err)
		return Credentials{}, fmt.Errorf("resolve signer: %w", err)
	}

	if err := s.store.RecordUse(ctx, key.KeyID, s.now().UTC()); err != nil {
		// Usage accounting is advisory; a failed bump must not block signing.
		s.logger.Warn("record key use failed", zap.String("key_id", key.KeyID), zap.Error(err))
	}
	return Credentials{Key: key, Signer: signer}, nil
}

func (s *Service) activeKey(ctx context.Context, tenantID, clientID string) (domain.SigningKey, error) {
	list, err := s.store.List(ctx, tenantID, clientID)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("list keys: %w", err)
	}
	now := s.now()
	var candidates []domain.SigningKey
	for _, k := range list {
		if k.UsableForSigning(now) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return domain.SigningKey{}, ErrNoActiveKey
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ActivateAt.After(candidates[j].ActivateAt)
	})
	return candidates[0], nil
}

// VerificationKey resolves a key by id for token verification, honoring the
// grace window and the revocation policy knob.
func (s *Service) VerificationKey(ctx context.Context, keyID string) (jose.JSONWebKey, error) {
	key, err := s.store.Get(ctx, keyID)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("get key: %w", err)
	}
	now := s.now()
	if !key.UsableForVerification(now) {
		if key.EffectiveStatus(now) == domain.KeyStatusRevoked && s.policy.HonorRevokedSignatures {
			return PublicJWK(key)
		}
		return jose.JSONWebKey{}, fmt.Errorf("key %s not valid for verification (status %s)", keyID, key.EffectiveStatus(now))
	}
	return PublicJWK(key)
}

// JWKS aggregates public keys from every non-revoked, non-archived key so
// verification keeps working across the rotation grace window. Keys are
// provisioned per (tenant, client) but tokens point relying parties at the
// tenant document, so an empty clientID aggregates every client scope in the
// tenant; a non-empty clientID narrows to that scope. Output order is
// deterministic for a given key set, which keeps the document cacheable.
func (s *Service) JWKS(ctx context.Context, tenantID, clientID string) (jose.JSONWebKeySet, error) {
	ctx, span := s.tracer.Start(ctx, "keys.JWKS")
	defer span.End()

	list, err := s.listScope(ctx, tenantID, clientID)
	if err != nil {
		span.RecordError(err)
		return jose.JSONWebKeySet{}, fmt.Errorf("list keys: %w", err)
	}

	now := s.now()
	sort.Slice(list, func(i, j int) bool { return list[i].KeyID < list[j].KeyID })

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, k := range list {
		if !k.UsableForVerification(now) {
			continue
		}
		jwk, err := PublicJWK(k)
		if err != nil {
			s.logger.Warn("skipping malformed public key", zap.String("key_id", k.KeyID), zap.Error(err))
			continue
		}
		set.Keys = append(set.Keys, jwk.Public())
	}
	return set, nil
}

// RotateKeys generates one successor, activates it above the current key, and
// leaves the old key verifiable until its ExpiresAt. Never deletes.
func (s *Service) RotateKeys(ctx context.Context, tenantID, clientID string) (domain.SigningKey, error) {
	ctx, span := s.tracer.Start(ctx, "keys.RotateKeys")
	defer span.End()

	spec := s.defaultSpec(tenantID, clientID)

	current, err := s.activeKey(ctx, tenantID, clientID)
	switch {
	case err == nil:
		spec.Priority = current.Priority + 1
		spec.Type = current.Type
		spec.Algorithm = current.Algorithm
		spec.Size = current.Size
	case errors.Is(err, ErrNoActiveKey):
		// First key for the scope; rotation degrades to provisioning.
	default:
		span.RecordError(err)
		return domain.SigningKey{}, err
	}

	next, err := s.GenerateKey(ctx, s.defaults, spec)
	if err != nil {
		return domain.SigningKey{}, err
	}

	s.logger.Info("signing key rotated",
		zap.String("tenant_id", tenantID),
		zap.String("client_id", clientID),
		zap.String("new_key_id", next.KeyID))
	return next, nil
}

// RevokeKey is the compromise path: the key leaves JWKS immediately and stops
// signing. Whether old signatures still verify is the HonorRevokedSignatures
// policy, not a property of the key.
func (s *Service) RevokeKey(ctx context.Context, keyID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "keys.RevokeKey")
	defer span.End()

	key, err := s.store.Get(ctx, keyID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("get key: %w", err)
	}
	if key.Status == domain.KeyStatusRevoked {
		return nil
	}
	if err := domain.ValidateKeyTransition(key.Status, domain.KeyStatusRevoked); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, keyID, key.Status, domain.KeyStatusRevoked, reason); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race to another revoker; the end state is the same.
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("revoke key: %w", err)
	}

	s.logger.Warn("signing key revoked", zap.String("key_id", keyID), zap.String("reason", reason))
	return nil
}

// ListKeys returns metadata for the admin surface; an empty clientID covers
// the whole tenant. Material blobs are blanked; even sealed bytes stay inside
// the engine.
func (s *Service) ListKeys(ctx context.Context, tenantID, clientID string) ([]domain.SigningKey, error) {
	list, err := s.listScope(ctx, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	for i := range list {
		list[i].Material = nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// ProcessScheduledRotations is the periodic sweep. Safe to run from multiple
// instances concurrently: duplicate successors are wasteful but harmless, and
// all status changes are conditional updates.
func (s *Service) ProcessScheduledRotations(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "keys.ProcessScheduledRotations")
	defer span.End()

	all, err := s.store.ListAll(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list all keys: %w", err)
	}
	now := s.now()

	type scope struct{ tenant, client string }
	byScope := make(map[scope][]domain.SigningKey)
	for _, k := range all {
		byScope[scope{k.TenantID, k.ClientID}] = append(byScope[scope{k.TenantID, k.ClientID}], k)
	}

	for sc, keys := range byScope {
		s.sweepScope(ctx, sc.tenant, sc.client, keys, now)
	}
	return ctx.Err()
}

func (s *Service) sweepScope(ctx context.Context, tenantID, clientID string, keys []domain.SigningKey, now time.Time) {
	// Persist time-driven transitions.
	for _, k := range keys {
		effective := k.EffectiveStatus(now)
		if effective == k.Status {
			continue
		}
		if err := s.store.UpdateStatus(ctx, k.KeyID, k.Status, effective, ""); err != nil && !errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("persist key transition failed", zap.String("key_id", k.KeyID), zap.Error(err))
		}
	}

	// Generate a successor for keys entering the rotation lead window.
	var hasSuccessor bool
	for _, k := range keys {
		if k.EffectiveStatus(now) == domain.KeyStatusPending || (k.EffectiveStatus(now) == domain.KeyStatusActive && now.Add(s.policy.RotationLead).Before(k.ExpiresAt)) {
			hasSuccessor = true
			break
		}
	}
	needsSuccessor := false
	for _, k := range keys {
		if k.EffectiveStatus(now) == domain.KeyStatusActive && !now.Add(s.policy.RotationLead).Before(k.ExpiresAt) {
			needsSuccessor = true
			break
		}
	}
	if needsSuccessor && !hasSuccessor {
		if _, err := s.RotateKeys(ctx, tenantID, clientID); err != nil {
			s.logger.Error("scheduled rotation failed",
				zap.String("tenant_id", tenantID),
				zap.String("client_id", clientID),
				zap.Error(err))
		}
	}

	// Archive keys past expiry plus grace.
	for _, k := range keys {
		if k.EffectiveStatus(now) == domain.KeyStatusExpired && now.After(k.ExpiresAt.Add(s.policy.GracePeriod)) {
			s.archiveKey(ctx, k)
		}
	}

	// Enforce MaxKeys by archiving the oldest retired keys first. Archival is
	// the retention cap; nothing is deleted here.
	if s.policy.MaxKeys > 0 && len(keys) > s.policy.MaxKeys {
		var retired []domain.SigningKey
		for _, k := range keys {
			if st := k.EffectiveStatus(now); st == domain.KeyStatusExpired {
				retired = append(retired, k)
			}
		}
		sort.Slice(retired, func(i, j int) bool { return retired[i].CreatedAt.Before(retired[j].CreatedAt) })
		excess := len(keys) - s.policy.MaxKeys
		for i := 0; i < excess && i < len(retired); i++ {
			s.archiveKey(ctx, retired[i])
		}
	}
}

// archiveKey moves an Expired key to Archived and disposes of its private
// material. Losing the race to another sweeper is fine; material disposal then
// belongs to the winner.
func (s *Service) archiveKey(ctx context.Context, key domain.SigningKey) {
	if err := s.store.UpdateStatus(ctx, key.KeyID, domain.KeyStatusExpired, domain.KeyStatusArchived, ""); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("archive key failed", zap.String("key_id", key.KeyID), zap.Error(err))
		}
		return
	}
	provider, ok := s.providers[key.Provider]
	if !ok {
		s.logger.Warn("archived key owned by unregistered backend",
			zap.String("key_id", key.KeyID), zap.String("backend", key.Provider))
		return
	}
	if err := provider.Destroy(ctx, key); err != nil {
		s.logger.Warn("destroy key material failed", zap.String("key_id", key.KeyID), zap.Error(err))
	}
}

func (s *Service) listScope(ctx context.Context, tenantID, clientID string) ([]domain.SigningKey, error) {
	if clientID == "" {
		return s.store.ListByTenant(ctx, tenantID)
	}
	return s.store.List(ctx, tenantID, clientID)
}

func (s *Service) defaultSpec(tenantID, clientID string) Spec {
	now := s.now().UTC()
	return Spec{
		TenantID:   tenantID,
		ClientID:   clientID,
		Type:       s.policy.DefaultType,
		Algorithm:  s.policy.DefaultAlgorithm,
		Size:       s.policy.DefaultSize,
		Use:        domain.KeyUseSigning,
		ActivateAt: now,
		ExpiresAt:  now.Add(s.policy.DefaultTTL),
	}
}
