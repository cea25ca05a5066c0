package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

// TypeDPoP is the required typ header value for proof JWTs (RFC 9449).
const TypeDPoP = "dpop+jwt"

var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

type proofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
}

// Validator checks DPoP proof JWTs and enforces single use of their jti.
type Validator struct {
	nonces repository.NonceStore
	logger *zap.Logger

	// ClockSkew bounds how far iat may drift from server time.
	ClockSkew time.Duration
	// ProofTTL is how long a jti stays marked as used.
	ProofTTL time.Duration
	// RequireServerNonce demands the proof echo a server-issued nonce after
	// the first use (optional anti-replay enhancement).
	RequireServerNonce bool

	now func() time.Time
}

// NewValidator uses the given nonce store for replay defence.
func NewValidator(nonces repository.NonceStore, logger *zap.Logger) *Validator {
	return &Validator{
		nonces:    nonces,
		logger:    logger,
		ClockSkew: 30 * time.Second,
		ProofTTL:  5 * time.Minute,
		now:       time.Now,
	}
}

// Validate checks the proof against the request it accompanies and returns the
// RFC 7638 SHA-256 thumbprint of the proof key for token binding. Every
// failure maps to invalid_dpop_proof; the jti check is an atomic
// check-and-set so an identical replay loses.
func (v *Validator) Validate(ctx context.Context, proof, method, target, serverNonce string) (string, error) {
	if strings.TrimSpace(proof) == "" {
		return "", oauth.InvalidDPoPProof("DPoP proof is required.")
	}

	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		return "", oauth.InvalidDPoPProof("Malformed DPoP proof.")
	}
	if len(jws.Signatures) != 1 {
		return "", oauth.InvalidDPoPProof("DPoP proof must carry exactly one signature.")
	}
	header := jws.Signatures[0].Header

	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != TypeDPoP {
		return "", oauth.InvalidDPoPProof(`DPoP proof typ must be "dpop+jwt".`)
	}
	jwk := header.JSONWebKey
	if jwk == nil || !jwk.IsPublic() || !jwk.Valid() {
		return "", oauth.InvalidDPoPProof("DPoP proof must embed a valid public JWK.")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return "", oauth.InvalidDPoPProof("DPoP proof signature does not verify against the embedded key.")
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", oauth.InvalidDPoPProof("DPoP proof claims are malformed.")
	}
	if claims.JTI == "" {
		return "", oauth.InvalidDPoPProof("DPoP proof is missing jti.")
	}
	if !strings.EqualFold(claims.HTM, method) {
		return "", oauth.InvalidDPoPProof("DPoP htm does not match the request method.")
	}
	if !htuMatches(claims.HTU, target) {
		return "", oauth.InvalidDPoPProof("DPoP htu does not match the request URI.")
	}

	issued := time.Unix(claims.IAT, 0)
	now := v.now()
	if issued.After(now.Add(v.ClockSkew)) || issued.Before(now.Add(-v.ClockSkew).Add(-v.ProofTTL)) {
		return "", oauth.InvalidDPoPProof("DPoP proof iat is outside the acceptance window.")
	}

	if v.RequireServerNonce && serverNonce != "" && claims.Nonce != serverNonce {
		return "", oauth.InvalidDPoPProof("DPoP proof must echo the server-provided nonce.")
	}

	thumbprint, err := keyThumbprint(jwk)
	if err != nil {
		return "", oauth.InvalidDPoPProof("DPoP proof key thumbprint could not be computed.")
	}

	fresh, err := v.nonces.TryMarkUsed(ctx, "dpop:"+thumbprint+":"+claims.JTI, v.ProofTTL)
	if err != nil {
		v.logger.Error("dpop nonce store failure", zap.Error(err))
		return "", fmt.Errorf("mark proof used: %w", err)
	}
	if !fresh {
		return "", oauth.InvalidDPoPProof("DPoP proof has already been used.")
	}

	return thumbprint, nil
}

func keyThumbprint(jwk *jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// htuMatches compares scheme, host and path; query and fragment are ignored
// per RFC 9449 section 4.3.
func htuMatches(claimed, actual string) bool {
	cu, err := url.Parse(claimed)
	if err != nil {
		return false
	}
	au, err := url.Parse(actual)
	if err != nil {
		return false
	}
	return strings.EqualFold(cu.Scheme, au.Scheme) &&
		strings.EqualFold(cu.Host, au.Host) &&
		cu.EscapedPath() == au.EscapedPath()
}
