package ciba

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) NotifyUser(context.Context, *domain.Client, *domain.CibaRequest) error {
	f.calls++
	return f.err
}

func newFixture(t *testing.T) (*Service, *repository.MemoryCibaStore, *fakeNotifier) {
	t.Helper()
	store := repository.NewMemoryCibaStore()
	notifier := &fakeNotifier{}
	svc := NewService(store, repository.NewMemoryStateStore(), notifier, Defaults{
		RequestLifetime: 5 * time.Minute,
		PollInterval:    5 * time.Second,
		MaxLifetime:     15 * time.Minute,
	}, zap.NewNop())
	return svc, store, notifier
}

func cibaClient(mode string) *domain.Client {
	return &domain.Client{
		ID:               "client-a",
		TenantID:         "t1",
		Enabled:          true,
		AllowedScopes:    []string{"openid", "payments"},
		CibaEnabled:      true,
		CibaDeliveryMode: mode,
	}
}

func TestInitiateRequiresExactlyOneHint(t *testing.T) {
	svc, _, _ := newFixture(t)
	client := cibaClient(domain.CibaModePoll)

	cases := []InitiateRequest{
		{Scope: "openid"},
		{Scope: "openid", LoginHint: "alice", LoginHintToken: "tok"},
		{Scope: "openid", LoginHint: "alice", IDTokenHint: "idt"},
	}
	for _, in := range cases {
		_, err := svc.Initiate(context.Background(), client, in)
		oe, ok := oauth.AsError(err)
		require.True(t, ok)
		require.Equal(t, oauth.CodeInvalidRequest, oe.Code)
	}

	resp, err := svc.Initiate(context.Background(), client, InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AuthReqID)
	require.Equal(t, 300, resp.ExpiresIn)
	require.Equal(t, 5, resp.Interval)
}

func TestInitiateRejectsDisabledClient(t *testing.T) {
	svc, _, _ := newFixture(t)
	client := cibaClient(domain.CibaModePoll)
	client.CibaEnabled = false

	_, err := svc.Initiate(context.Background(), client, InitiateRequest{Scope: "openid", LoginHint: "alice"})
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeUnauthorizedClient, oe.Code)
}

func TestInitiateNotifiesPingClients(t *testing.T) {
	svc, _, notifier := newFixture(t)

	_, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePing), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls)

	// Poll clients get no callback.
	_, err = svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls)
}

func TestInitiateSurvivesNotificationFailure(t *testing.T) {
	svc, store, notifier := newFixture(t)
	notifier.err = errors.New("endpoint down")

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePush), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusPending, stored.Status)
}

func TestGetStatusSlowDown(t *testing.T) {
	svc, _, _ := newFixture(t)
	client := cibaClient(domain.CibaModePoll)

	resp, err := svc.Initiate(context.Background(), client, InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	req, err := svc.GetStatus(context.Background(), client, resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusPending, req.Status)

	_, err = svc.GetStatus(context.Background(), client, resp.AuthReqID)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeSlowDown, oe.Code)

	// Waiting out the interval makes polling legal again.
	svc.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	_, err = svc.GetStatus(context.Background(), client, resp.AuthReqID)
	require.NoError(t, err)
}

func TestGetStatusLazyExpiry(t *testing.T) {
	svc, store, _ := newFixture(t)
	client := cibaClient(domain.CibaModePoll)

	resp, err := svc.Initiate(context.Background(), client, InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	req, err := svc.GetStatus(context.Background(), client, resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusExpired, req.Status)

	stored, err := store.Get(context.Background(), resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusExpired, stored.Status)
}

func TestApproveThenPoll(t *testing.T) {
	svc, _, _ := newFixture(t)
	client := cibaClient(domain.CibaModePoll)

	resp, err := svc.Initiate(context.Background(), client, InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))

	req, err := svc.GetStatus(context.Background(), client, resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusApproved, req.Status)
	require.Equal(t, "user-1", req.SubjectID)
	require.Equal(t, "sess-1", req.SessionID)
}

func TestApproveIsIdempotent(t *testing.T) {
	svc, _, _ := newFixture(t)

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))
	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))
}

func TestConsumeIsSingleUse(t *testing.T) {
	svc, store, _ := newFixture(t)

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)
	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))

	require.NoError(t, svc.Consume(context.Background(), resp.AuthReqID))

	stored, err := store.Get(context.Background(), resp.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, domain.CibaStatusRedeemed, stored.Status)

	err = svc.Consume(context.Background(), resp.AuthReqID)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestConsumeUnknownRequest(t *testing.T) {
	svc, _, _ := newFixture(t)

	err := svc.Consume(context.Background(), "missing")
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestDenyAfterApproveRejected(t *testing.T) {
	svc, _, _ := newFixture(t)

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Approve(context.Background(), resp.AuthReqID, "user-1", "sess-1"))
	err = svc.Deny(context.Background(), resp.AuthReqID)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestGetStatusWrongClient(t *testing.T) {
	svc, _, _ := newFixture(t)

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{Scope: "openid", LoginHint: "alice"})
	require.NoError(t, err)

	other := cibaClient(domain.CibaModePoll)
	other.ID = "client-b"
	_, err = svc.GetStatus(context.Background(), other, resp.AuthReqID)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)
}

func TestRequestedExpiryShortensLifetime(t *testing.T) {
	svc, store, _ := newFixture(t)

	resp, err := svc.Initiate(context.Background(), cibaClient(domain.CibaModePoll), InitiateRequest{
		Scope:           "openid",
		LoginHint:       "alice",
		RequestedExpiry: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, 60, resp.ExpiresIn)

	stored, err := store.Get(context.Background(), resp.AuthReqID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), stored.ExpiresAt, 5*time.Second)
}
