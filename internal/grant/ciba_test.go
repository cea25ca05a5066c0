package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/ciba"
	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

type noopNotifier struct{}

func (noopNotifier) NotifyUser(context.Context, *domain.Client, *domain.CibaRequest) error {
	return nil
}

func testCibaClient() *domain.Client {
	return &domain.Client{
		ID:               "client-a",
		TenantID:         "t1",
		Enabled:          true,
		AllowedScopes:    []string{"openid"},
		CibaEnabled:      true,
		CibaDeliveryMode: domain.CibaModePoll,
	}
}

func newCibaHandlerFixture(t *testing.T) (*CibaHandler, *ciba.Service) {
	t.Helper()
	svc := ciba.NewService(repository.NewMemoryCibaStore(), repository.NewMemoryStateStore(), noopNotifier{}, ciba.Defaults{
		RequestLifetime: 5 * time.Minute,
		PollInterval:    time.Millisecond,
	}, zap.NewNop())
	return NewCibaHandler(svc), svc
}

func initiateAndApprove(t *testing.T, svc *ciba.Service) string {
	t.Helper()
	resp, err := svc.Initiate(context.Background(), testCibaClient(), ciba.InitiateRequest{
		Scope:     "openid",
		LoginHint: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))
	return resp.AuthReqID
}

func cibaTokenRequest(authReqID string) *domain.TokenRequest {
	return &domain.TokenRequest{
		TenantID:  "t1",
		GrantType: domain.GrantTypeCiba,
		ClientID:  "client-a",
		AuthReqID: authReqID,
	}
}

func TestCibaApprovedRedeems(t *testing.T) {
	h, svc := newCibaHandlerFixture(t)
	id := initiateAndApprove(t, svc)

	result, err := h.Handle(context.Background(), cibaTokenRequest(id), testCibaClient())
	require.NoError(t, err)
	require.Equal(t, "user-1", result.SubjectID)
	require.Equal(t, "sess-1", result.SessionID)
	require.Equal(t, []string{"ciba"}, result.AMR)
}

func TestCibaRedemptionIsSingleUse(t *testing.T) {
	h, svc := newCibaHandlerFixture(t)
	id := initiateAndApprove(t, svc)

	_, err := h.Handle(context.Background(), cibaTokenRequest(id), testCibaClient())
	require.NoError(t, err)

	// A second poll after the tokens were collected must not mint again.
	_, err = h.Handle(context.Background(), cibaTokenRequest(id), testCibaClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestCibaStaleApprovalExpires(t *testing.T) {
	h, svc := newCibaHandlerFixture(t)
	id := initiateAndApprove(t, svc)

	// The approval sat uncollected past the request lifetime.
	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err := h.Handle(context.Background(), cibaTokenRequest(id), testCibaClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeExpiredToken, oe.Code)
}
