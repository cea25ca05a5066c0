package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ClientStore              = (*PostgresClientStore)(nil)
	_ UserStore                = (*PostgresUserStore)(nil)
	_ AuthorizationCodeStore   = (*PostgresCodeStore)(nil)
	_ RefreshTokenStore        = (*PostgresRefreshTokenStore)(nil)
	_ SigningKeyStore          = (*PostgresSigningKeyStore)(nil)
	_ CibaRequestStore         = (*PostgresCibaStore)(nil)
	_ DeviceAuthorizationStore = (*PostgresDeviceStore)(nil)
)

func mapNoRows(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresClientStore resolves clients from the clients table.
type PostgresClientStore struct {
	pool *pgxpool.Pool
}

func NewPostgresClientStore(pool *pgxpool.Pool) *PostgresClientStore {
	return &PostgresClientStore{pool: pool}
}

func (s *PostgresClientStore) GetClient(ctx context.Context, tenantID, clientID string) (domain.Client, error) {
	const q = `
		SELECT client_id, tenant_id, name, enabled, secret_hash,
		       allowed_grant_types, allowed_scopes, redirect_uris,
		       access_token_ttl_seconds, identity_token_ttl_seconds, refresh_token_ttl_seconds,
		       refresh_token_usage, require_dpop, require_pkce,
		       pairwise_subject_salt, access_token_is_reference,
		       ciba_enabled, ciba_delivery_mode, ciba_notification_endpoint,
		       ciba_request_lifetime_seconds, ciba_polling_interval_seconds
		FROM clients WHERE tenant_id = $1 AND client_id = $2`

	var (
		c                           domain.Client
		accessTTL, idTTL, refresh   int64
		cibaLifetime, cibaInterval  int64
	)
	err := s.pool.QueryRow(ctx, q, tenantID, clientID).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Enabled, &c.SecretHash,
		&c.AllowedGrantTypes, &c.AllowedScopes, &c.RedirectURIs,
		&accessTTL, &idTTL, &refresh,
		&c.RefreshTokenUsage, &c.RequireDPoP, &c.RequirePKCE,
		&c.PairWiseSubjectSalt, &c.AccessTokenIsReference,
		&c.CibaEnabled, &c.CibaDeliveryMode, &c.CibaNotificationEndpoint,
		&cibaLifetime, &cibaInterval,
	)
	if err != nil {
		return domain.Client{}, mapNoRows(err, "get client")
	}
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.IdentityTokenTTL = time.Duration(idTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refresh) * time.Second
	c.CibaRequestLifetime = time.Duration(cibaLifetime) * time.Second
	c.CibaPollingInterval = time.Duration(cibaInterval) * time.Second
	return c, nil
}

// PostgresUserStore resolves subjects for the password grant.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, tenantID, username string) (domain.User, error) {
	const q = `
		SELECT id, tenant_id, username, email, name, password_hash, disabled
		FROM users WHERE tenant_id = $1 AND username = $2`

	var u domain.User
	err := s.pool.QueryRow(ctx, q, tenantID, username).Scan(
		&u.ID, &u.TenantID, &u.Username, &u.Email, &u.Name, &u.PasswordHash, &u.Disabled,
	)
	if err != nil {
		return domain.User{}, mapNoRows(err, "get user")
	}
	return u, nil
}

// PostgresCodeStore persists authorization codes.
type PostgresCodeStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCodeStore(pool *pgxpool.Pool) *PostgresCodeStore {
	return &PostgresCodeStore{pool: pool}
}

func (s *PostgresCodeStore) Create(ctx context.Context, code domain.AuthorizationCode) error {
	const q = `
		INSERT INTO authorization_codes
		(code, tenant_id, client_id, subject_id, redirect_uri, code_challenge,
		 code_challenge_method, scopes, nonce, session_id, auth_time, amr, acr,
		 expires_at, used, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,false,$15)`

	_, err := s.pool.Exec(ctx, q,
		code.Code, code.TenantID, code.ClientID, code.SubjectID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, code.Scopes, code.Nonce,
		code.SessionID, code.AuthTime, code.AMR, code.ACR, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// Consume flips used=false to true in a single statement; the RETURNING clause
// only fires for the one redemption that wins.
func (s *PostgresCodeStore) Consume(ctx context.Context, tenantID, code string) (domain.AuthorizationCode, error) {
	const q = `
		UPDATE authorization_codes SET used = true
		WHERE tenant_id = $1 AND code = $2 AND used = false
		RETURNING code, tenant_id, client_id, subject_id, redirect_uri, code_challenge,
		          code_challenge_method, scopes, nonce, session_id, auth_time, amr, acr,
		          expires_at, used, created_at`

	var c domain.AuthorizationCode
	err := s.pool.QueryRow(ctx, q, tenantID, code).Scan(
		&c.Code, &c.TenantID, &c.ClientID, &c.SubjectID, &c.RedirectURI, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Scopes, &c.Nonce, &c.SessionID, &c.AuthTime, &c.AMR, &c.ACR,
		&c.ExpiresAt, &c.Used, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorizationCode{}, ErrConflict
		}
		return domain.AuthorizationCode{}, fmt.Errorf("consume authorization code: %w", err)
	}
	return c, nil
}

// PostgresRefreshTokenStore persists refresh token handles.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRefreshTokenStore(pool *pgxpool.Pool) *PostgresRefreshTokenStore {
	return &PostgresRefreshTokenStore{pool: pool}
}

func (s *PostgresRefreshTokenStore) Create(ctx context.Context, token domain.RefreshToken) error {
	const q = `
		INSERT INTO refresh_tokens
		(handle, tenant_id, client_id, subject_id, scopes, session_id, auth_time,
		 amr, acr, rotated_from, expires_at, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,$12)`

	_, err := s.pool.Exec(ctx, q,
		token.Handle, token.TenantID, token.ClientID, token.SubjectID, token.Scopes,
		token.SessionID, token.AuthTime, token.AMR, token.ACR, token.RotatedFrom,
		token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (s *PostgresRefreshTokenStore) Get(ctx context.Context, tenantID, handle string) (domain.RefreshToken, error) {
	const q = `
		SELECT handle, tenant_id, client_id, subject_id, scopes, session_id, auth_time,
		       amr, acr, rotated_from, expires_at, revoked, created_at
		FROM refresh_tokens WHERE tenant_id = $1 AND handle = $2`

	var t domain.RefreshToken
	err := s.pool.QueryRow(ctx, q, tenantID, handle).Scan(
		&t.Handle, &t.TenantID, &t.ClientID, &t.SubjectID, &t.Scopes, &t.SessionID,
		&t.AuthTime, &t.AMR, &t.ACR, &t.RotatedFrom, &t.ExpiresAt, &t.Revoked, &t.CreatedAt,
	)
	if err != nil {
		return domain.RefreshToken{}, mapNoRows(err, "get refresh token")
	}
	return t, nil
}

// Rotate revokes the old handle and inserts the successor inside one
// transaction; the conditional revoke makes concurrent rotations lose cleanly.
func (s *PostgresRefreshTokenStore) Rotate(ctx context.Context, tenantID, oldHandle string, next domain.RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE tenant_id = $1 AND handle = $2 AND revoked = false`,
		tenantID, oldHandle)
	if err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens
		(handle, tenant_id, client_id, subject_id, scopes, session_id, auth_time,
		 amr, acr, rotated_from, expires_at, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,$12)`,
		next.Handle, next.TenantID, next.ClientID, next.SubjectID, next.Scopes,
		next.SessionID, next.AuthTime, next.AMR, next.ACR, oldHandle,
		next.ExpiresAt, next.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}

func (s *PostgresRefreshTokenStore) Revoke(ctx context.Context, tenantID, handle string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE tenant_id = $1 AND handle = $2`,
		tenantID, handle)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// PostgresSigningKeyStore persists signing key metadata.
type PostgresSigningKeyStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSigningKeyStore(pool *pgxpool.Pool) *PostgresSigningKeyStore {
	return &PostgresSigningKeyStore{pool: pool}
}

const signingKeyColumns = `key_id, tenant_id, client_id, key_type, algorithm, key_size, key_use,
	status, activate_at, expires_at, priority, signature_count, last_used_at,
	provider, material, public_key, revoked_reason, created_at`

func scanSigningKey(row pgx.Row) (domain.SigningKey, error) {
	var k domain.SigningKey
	err := row.Scan(
		&k.KeyID, &k.TenantID, &k.ClientID, &k.Type, &k.Algorithm, &k.Size, &k.Use,
		&k.Status, &k.ActivateAt, &k.ExpiresAt, &k.Priority, &k.SignatureCount, &k.LastUsedAt,
		&k.Provider, &k.Material, &k.PublicKey, &k.RevokedReason, &k.CreatedAt,
	)
	return k, err
}

func (s *PostgresSigningKeyStore) Create(ctx context.Context, key domain.SigningKey) error {
	const q = `
		INSERT INTO signing_keys (` + signingKeyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err := s.pool.Exec(ctx, q,
		key.KeyID, key.TenantID, key.ClientID, key.Type, key.Algorithm, key.Size, key.Use,
		key.Status, key.ActivateAt, key.ExpiresAt, key.Priority, key.SignatureCount, key.LastUsedAt,
		key.Provider, key.Material, key.PublicKey, key.RevokedReason, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create signing key: %w", err)
	}
	return nil
}

func (s *PostgresSigningKeyStore) Get(ctx context.Context, keyID string) (domain.SigningKey, error) {
	k, err := scanSigningKey(s.pool.QueryRow(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys WHERE key_id = $1`, keyID))
	if err != nil {
		return domain.SigningKey{}, mapNoRows(err, "get signing key")
	}
	return k, nil
}

func (s *PostgresSigningKeyStore) List(ctx context.Context, tenantID, clientID string) ([]domain.SigningKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys
		 WHERE tenant_id = $1 AND client_id = $2
		 ORDER BY priority DESC, activate_at DESC`, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func (s *PostgresSigningKeyStore) ListByTenant(ctx context.Context, tenantID string) ([]domain.SigningKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys
		 WHERE tenant_id = $1
		 ORDER BY priority DESC, activate_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant signing keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func (s *PostgresSigningKeyStore) ListAll(ctx context.Context) ([]domain.SigningKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all signing keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func collectSigningKeys(rows pgx.Rows) ([]domain.SigningKey, error) {
	var keys []domain.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresSigningKeyStore) UpdateStatus(ctx context.Context, keyID string, from, to domain.KeyStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signing_keys SET status = $3, revoked_reason = $4
		 WHERE key_id = $1 AND status = $2`,
		keyID, from, to, reason)
	if err != nil {
		return fmt.Errorf("update key status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresSigningKeyStore) RecordUse(ctx context.Context, keyID string, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE signing_keys SET signature_count = signature_count + 1, last_used_at = $2
		 WHERE key_id = $1`, keyID, usedAt)
	if err != nil {
		return fmt.Errorf("record key use: %w", err)
	}
	return nil
}

// PostgresCibaStore persists backchannel authentication requests.
type PostgresCibaStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCibaStore(pool *pgxpool.Pool) *PostgresCibaStore {
	return &PostgresCibaStore{pool: pool}
}

func (s *PostgresCibaStore) Create(ctx context.Context, req domain.CibaRequest) error {
	const q = `
		INSERT INTO ciba_requests
		(auth_req_id, tenant_id, client_id, scopes, binding_message, user_code,
		 login_hint, status, expires_at, interval_seconds, last_polled_at,
		 subject_id, session_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.pool.Exec(ctx, q,
		req.AuthReqID, req.TenantID, req.ClientID, req.Scopes, req.BindingMessage,
		req.UserCode, req.LoginHint, req.Status, req.ExpiresAt,
		int64(req.Interval.Seconds()), req.LastPolledAt, req.SubjectID, req.SessionID,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create ciba request: %w", err)
	}
	return nil
}

func (s *PostgresCibaStore) Get(ctx context.Context, authReqID string) (domain.CibaRequest, error) {
	const q = `
		SELECT auth_req_id, tenant_id, client_id, scopes, binding_message, user_code,
		       login_hint, status, expires_at, interval_seconds, last_polled_at,
		       subject_id, session_id, created_at
		FROM ciba_requests WHERE auth_req_id = $1`

	var (
		r        domain.CibaRequest
		interval int64
	)
	err := s.pool.QueryRow(ctx, q, authReqID).Scan(
		&r.AuthReqID, &r.TenantID, &r.ClientID, &r.Scopes, &r.BindingMessage, &r.UserCode,
		&r.LoginHint, &r.Status, &r.ExpiresAt, &interval, &r.LastPolledAt,
		&r.SubjectID, &r.SessionID, &r.CreatedAt,
	)
	if err != nil {
		return domain.CibaRequest{}, mapNoRows(err, "get ciba request")
	}
	r.Interval = time.Duration(interval) * time.Second
	return r, nil
}

func (s *PostgresCibaStore) TransitionFromPending(ctx context.Context, authReqID string, to domain.CibaStatus, subjectID, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ciba_requests SET status = $2, subject_id = $3, session_id = $4
		 WHERE auth_req_id = $1 AND status = $5`,
		authReqID, to, subjectID, sessionID, domain.CibaStatusPending)
	if err != nil {
		return fmt.Errorf("transition ciba request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresCibaStore) ConsumeApproved(ctx context.Context, authReqID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ciba_requests SET status = $2
		 WHERE auth_req_id = $1 AND status = $3`,
		authReqID, domain.CibaStatusRedeemed, domain.CibaStatusApproved)
	if err != nil {
		return fmt.Errorf("consume ciba request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresCibaStore) TouchPolled(ctx context.Context, authReqID string, polledAt time.Time) (time.Time, error) {
	var previous time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE ciba_requests AS c SET last_polled_at = $2
		FROM (SELECT auth_req_id, last_polled_at AS prev FROM ciba_requests WHERE auth_req_id = $1 FOR UPDATE) AS old
		WHERE c.auth_req_id = old.auth_req_id
		RETURNING old.prev`, authReqID, polledAt).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("touch ciba poll: %w", err)
	}
	return previous, nil
}

// PostgresDeviceStore persists device authorizations.
type PostgresDeviceStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceStore(pool *pgxpool.Pool) *PostgresDeviceStore {
	return &PostgresDeviceStore{pool: pool}
}

func (s *PostgresDeviceStore) Create(ctx context.Context, auth domain.DeviceAuthorization) error {
	const q = `
		INSERT INTO device_authorizations
		(device_code, user_code, tenant_id, client_id, scopes, status, expires_at,
		 interval_seconds, last_polled_at, subject_id, session_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := s.pool.Exec(ctx, q,
		auth.DeviceCode, auth.UserCode, auth.TenantID, auth.ClientID, auth.Scopes,
		auth.Status, auth.ExpiresAt, int64(auth.Interval.Seconds()), auth.LastPolledAt,
		auth.SubjectID, auth.SessionID, auth.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create device authorization: %w", err)
	}
	return nil
}

func (s *PostgresDeviceStore) Get(ctx context.Context, tenantID, deviceCode string) (domain.DeviceAuthorization, error) {
	const q = `
		SELECT device_code, user_code, tenant_id, client_id, scopes, status, expires_at,
		       interval_seconds, last_polled_at, subject_id, session_id, created_at
		FROM device_authorizations WHERE tenant_id = $1 AND device_code = $2`

	var (
		d        domain.DeviceAuthorization
		interval int64
	)
	err := s.pool.QueryRow(ctx, q, tenantID, deviceCode).Scan(
		&d.DeviceCode, &d.UserCode, &d.TenantID, &d.ClientID, &d.Scopes, &d.Status,
		&d.ExpiresAt, &interval, &d.LastPolledAt, &d.SubjectID, &d.SessionID, &d.CreatedAt,
	)
	if err != nil {
		return domain.DeviceAuthorization{}, mapNoRows(err, "get device authorization")
	}
	d.Interval = time.Duration(interval) * time.Second
	return d, nil
}

func (s *PostgresDeviceStore) TransitionFromPending(ctx context.Context, deviceCode string, to domain.DeviceStatus, subjectID, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_authorizations SET status = $2, subject_id = $3, session_id = $4
		 WHERE device_code = $1 AND status = $5`,
		deviceCode, to, subjectID, sessionID, domain.DeviceStatusPending)
	if err != nil {
		return fmt.Errorf("transition device authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresDeviceStore) ConsumeApproved(ctx context.Context, deviceCode string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_authorizations SET status = $2
		 WHERE device_code = $1 AND status = $3`,
		deviceCode, domain.DeviceStatusRedeemed, domain.DeviceStatusApproved)
	if err != nil {
		return fmt.Errorf("consume device authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresDeviceStore) TouchPolled(ctx context.Context, deviceCode string, polledAt time.Time) (time.Time, error) {
	var previous time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE device_authorizations AS d SET last_polled_at = $2
		FROM (SELECT device_code, last_polled_at AS prev FROM device_authorizations WHERE device_code = $1 FOR UPDATE) AS old
		WHERE d.device_code = old.device_code
		RETURNING old.prev`, deviceCode, polledAt).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("touch device poll: %w", err)
	}
	return previous, nil
}
