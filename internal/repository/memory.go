package repository

import (
	"context"
	"sync"
	"time"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// In-memory store implementations used in tests and single-instance development
// mode. Every conditional update holds the mutex for the full check-and-set so
// the atomicity contracts match the Postgres implementations.

var (
	_ ClientStore              = (*MemoryClientStore)(nil)
	_ UserStore                = (*MemoryUserStore)(nil)
	_ AuthorizationCodeStore   = (*MemoryCodeStore)(nil)
	_ RefreshTokenStore        = (*MemoryRefreshTokenStore)(nil)
	_ SigningKeyStore          = (*MemorySigningKeyStore)(nil)
	_ CibaRequestStore         = (*MemoryCibaStore)(nil)
	_ DeviceAuthorizationStore = (*MemoryDeviceStore)(nil)
	_ ProtocolStateStore       = (*MemoryStateStore)(nil)
	_ NonceStore               = (*MemoryNonceStore)(nil)
)

func scopedKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// MemoryClientStore holds seeded client records.
type MemoryClientStore struct {
	mu      sync.Mutex
	clients map[string]domain.Client
}

func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]domain.Client)}
}

func (m *MemoryClientStore) Put(client domain.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[scopedKey(client.TenantID, client.ID)] = client
}

func (m *MemoryClientStore) GetClient(_ context.Context, tenantID, clientID string) (domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[scopedKey(tenantID, clientID)]
	if !ok {
		return domain.Client{}, ErrNotFound
	}
	return c, nil
}

// MemoryUserStore holds seeded user records.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]domain.User)}
}

func (m *MemoryUserStore) Put(user domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[scopedKey(user.TenantID, user.Username)] = user
}

func (m *MemoryUserStore) GetByUsername(_ context.Context, tenantID, username string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[scopedKey(tenantID, username)]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

// MemoryCodeStore holds authorization codes.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]domain.AuthorizationCode)}
}

func (m *MemoryCodeStore) Create(_ context.Context, code domain.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[scopedKey(code.TenantID, code.Code)] = code
	return nil
}

func (m *MemoryCodeStore) Consume(_ context.Context, tenantID, code string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, code)
	c, ok := m.codes[key]
	if !ok || c.Used {
		return domain.AuthorizationCode{}, ErrConflict
	}
	c.Used = true
	m.codes[key] = c
	return c, nil
}

// MemoryRefreshTokenStore holds refresh token handles.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]domain.RefreshToken
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: make(map[string]domain.RefreshToken)}
}

func (m *MemoryRefreshTokenStore) Create(_ context.Context, token domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[scopedKey(token.TenantID, token.Handle)] = token
	return nil
}

func (m *MemoryRefreshTokenStore) Get(_ context.Context, tenantID, handle string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[scopedKey(tenantID, handle)]
	if !ok {
		return domain.RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryRefreshTokenStore) Rotate(_ context.Context, tenantID, oldHandle string, next domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, oldHandle)
	old, ok := m.tokens[key]
	if !ok || old.Revoked {
		return ErrConflict
	}
	old.Revoked = true
	m.tokens[key] = old
	next.RotatedFrom = oldHandle
	m.tokens[scopedKey(tenantID, next.Handle)] = next
	return nil
}

func (m *MemoryRefreshTokenStore) Revoke(_ context.Context, tenantID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, handle)
	if t, ok := m.tokens[key]; ok {
		t.Revoked = true
		m.tokens[key] = t
	}
	return nil
}

// MemorySigningKeyStore holds signing key metadata.
type MemorySigningKeyStore struct {
	mu   sync.Mutex
	keys map[string]domain.SigningKey
}

func NewMemorySigningKeyStore() *MemorySigningKeyStore {
	return &MemorySigningKeyStore{keys: make(map[string]domain.SigningKey)}
}

func (m *MemorySigningKeyStore) Create(_ context.Context, key domain.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KeyID] = key
	return nil
}

func (m *MemorySigningKeyStore) Get(_ context.Context, keyID string) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return domain.SigningKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemorySigningKeyStore) List(_ context.Context, tenantID, clientID string) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []domain.SigningKey
	for _, k := range m.keys {
		if k.TenantID == tenantID && k.ClientID == clientID {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemorySigningKeyStore) ListByTenant(_ context.Context, tenantID string) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []domain.SigningKey
	for _, k := range m.keys {
		if k.TenantID == tenantID {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemorySigningKeyStore) ListAll(_ context.Context) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.SigningKey, 0, len(m.keys))
	for _, k := range m.keys {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemorySigningKeyStore) UpdateStatus(_ context.Context, keyID string, from, to domain.KeyStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok || k.Status != from {
		return ErrConflict
	}
	k.Status = to
	k.RevokedReason = reason
	m.keys[keyID] = k
	return nil
}

func (m *MemorySigningKeyStore) RecordUse(_ context.Context, keyID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.SignatureCount++
		k.LastUsedAt = &usedAt
		m.keys[keyID] = k
	}
	return nil
}

// MemoryCibaStore holds backchannel authentication requests.
type MemoryCibaStore struct {
	mu       sync.Mutex
	requests map[string]domain.CibaRequest
}

func NewMemoryCibaStore() *MemoryCibaStore {
	return &MemoryCibaStore{requests: make(map[string]domain.CibaRequest)}
}

func (m *MemoryCibaStore) Create(_ context.Context, req domain.CibaRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.AuthReqID] = req
	return nil
}

func (m *MemoryCibaStore) Get(_ context.Context, authReqID string) (domain.CibaRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[authReqID]
	if !ok {
		return domain.CibaRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryCibaStore) TransitionFromPending(_ context.Context, authReqID string, to domain.CibaStatus, subjectID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[authReqID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != domain.CibaStatusPending {
		return ErrConflict
	}
	r.Status = to
	r.SubjectID = subjectID
	r.SessionID = sessionID
	m.requests[authReqID] = r
	return nil
}

func (m *MemoryCibaStore) ConsumeApproved(_ context.Context, authReqID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[authReqID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != domain.CibaStatusApproved {
		return ErrConflict
	}
	r.Status = domain.CibaStatusRedeemed
	m.requests[authReqID] = r
	return nil
}

func (m *MemoryCibaStore) TouchPolled(_ context.Context, authReqID string, polledAt time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[authReqID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	previous := r.LastPolledAt
	r.LastPolledAt = polledAt
	m.requests[authReqID] = r
	return previous, nil
}

// MemoryDeviceStore holds device authorizations.
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices map[string]domain.DeviceAuthorization
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string]domain.DeviceAuthorization)}
}

func (m *MemoryDeviceStore) Create(_ context.Context, auth domain.DeviceAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[auth.DeviceCode] = auth
	return nil
}

func (m *MemoryDeviceStore) Get(_ context.Context, tenantID, deviceCode string) (domain.DeviceAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCode]
	if !ok || d.TenantID != tenantID {
		return domain.DeviceAuthorization{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryDeviceStore) TransitionFromPending(_ context.Context, deviceCode string, to domain.DeviceStatus, subjectID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCode]
	if !ok {
		return ErrNotFound
	}
	if d.Status != domain.DeviceStatusPending {
		return ErrConflict
	}
	d.Status = to
	d.SubjectID = subjectID
	d.SessionID = sessionID
	m.devices[deviceCode] = d
	return nil
}

func (m *MemoryDeviceStore) ConsumeApproved(_ context.Context, deviceCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCode]
	if !ok {
		return ErrNotFound
	}
	if d.Status != domain.DeviceStatusApproved {
		return ErrConflict
	}
	d.Status = domain.DeviceStatusRedeemed
	m.devices[deviceCode] = d
	return nil
}

func (m *MemoryDeviceStore) TouchPolled(_ context.Context, deviceCode string, polledAt time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCode]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	previous := d.LastPolledAt
	d.LastPolledAt = polledAt
	m.devices[deviceCode] = d
	return previous, nil
}

// MemoryStateStore holds protocol correlation blobs.
type MemoryStateStore struct {
	mu    sync.Mutex
	state map[string]stateEntry
}

type stateEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: make(map[string]stateEntry)}
}

func (m *MemoryStateStore) Store(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[id] = stateEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStateStore) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.payload, nil
}

func (m *MemoryStateStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, id)
	return nil
}

// MemoryNonceStore enforces single-use proof identifiers.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time)}
}

func (m *MemoryNonceStore) TryMarkUsed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if expiry, ok := m.nonces[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.nonces[key] = now.Add(ttl)
	return true, nil
}
