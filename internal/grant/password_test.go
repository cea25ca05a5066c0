package grant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/password"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

func newPasswordFixture(t *testing.T, disabled bool) *PasswordHandler {
	t.Helper()
	hash, err := password.Hash("hunter2")
	require.NoError(t, err)

	users := repository.NewMemoryUserStore()
	users.Put(domain.User{
		ID:           "user-1",
		TenantID:     "t1",
		Username:     "alice",
		PasswordHash: hash,
		Disabled:     disabled,
	})
	return NewPasswordHandler(users, zap.NewNop())
}

func passwordClient() *domain.Client {
	return &domain.Client{
		ID:                "client-a",
		TenantID:          "t1",
		Enabled:           true,
		AllowedGrantTypes: []string{domain.GrantTypePassword},
		AllowedScopes:     []string{"openid", "profile"},
	}
}

func TestPasswordGrant(t *testing.T) {
	h := newPasswordFixture(t, false)

	result, err := h.Handle(context.Background(), &domain.TokenRequest{
		TenantID: "t1",
		Username: "alice",
		Password: "hunter2",
		Scope:    "openid",
	}, passwordClient())
	require.NoError(t, err)
	require.Equal(t, "user-1", result.SubjectID)
	require.Equal(t, []string{"pwd"}, result.AMR)
	require.NotEmpty(t, result.SessionID)
}

func TestPasswordGrantWrongPassword(t *testing.T) {
	h := newPasswordFixture(t, false)

	_, err := h.Handle(context.Background(), &domain.TokenRequest{
		TenantID: "t1",
		Username: "alice",
		Password: "wrong",
	}, passwordClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestPasswordGrantUnknownUserSameAnswer(t *testing.T) {
	h := newPasswordFixture(t, false)

	_, errUnknown := h.Handle(context.Background(), &domain.TokenRequest{
		TenantID: "t1",
		Username: "mallory",
		Password: "hunter2",
	}, passwordClient())
	_, errWrongPw := h.Handle(context.Background(), &domain.TokenRequest{
		TenantID: "t1",
		Username: "alice",
		Password: "wrong",
	}, passwordClient())

	unknown, _ := oauth.AsError(errUnknown)
	wrongPw, _ := oauth.AsError(errWrongPw)
	require.Equal(t, unknown.Code, wrongPw.Code)
	require.Equal(t, unknown.Description, wrongPw.Description)
}

func TestPasswordGrantDisabledUser(t *testing.T) {
	h := newPasswordFixture(t, true)

	_, err := h.Handle(context.Background(), &domain.TokenRequest{
		TenantID: "t1",
		Username: "alice",
		Password: "hunter2",
	}, passwordClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}
