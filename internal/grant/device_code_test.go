package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/domain/oauth"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

func testDeviceClient() *domain.Client {
	return &domain.Client{
		ID:                "client-a",
		TenantID:          "t1",
		Enabled:           true,
		AllowedGrantTypes: []string{domain.GrantTypeDeviceCode},
	}
}

func seedDevice(t *testing.T, store *repository.MemoryDeviceStore, mutate func(*domain.DeviceAuthorization)) {
	t.Helper()
	auth := domain.DeviceAuthorization{
		DeviceCode: "dc-1",
		UserCode:   "WXYZ-ABCD",
		TenantID:   "t1",
		ClientID:   "client-a",
		Scopes:     []string{"openid"},
		Status:     domain.DeviceStatusPending,
		ExpiresAt:  time.Now().Add(10 * time.Minute),
		Interval:   5 * time.Second,
		CreatedAt:  time.Now(),
	}
	if mutate != nil {
		mutate(&auth)
	}
	require.NoError(t, store.Create(context.Background(), auth))
}

func deviceRequest() *domain.TokenRequest {
	return &domain.TokenRequest{
		TenantID:   "t1",
		GrantType:  domain.GrantTypeDeviceCode,
		ClientID:   "client-a",
		DeviceCode: "dc-1",
	}
}

func TestDevicePendingAnswersAuthorizationPending(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	h := NewDeviceCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeAuthorizationPending, oe.Code)
}

func TestDeviceFastPollAnswersSlowDown(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	h := NewDeviceCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, _ := oauth.AsError(err)
	require.Equal(t, oauth.CodeAuthorizationPending, oe.Code)

	// Second poll immediately after the first violates the interval.
	_, err = h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeSlowDown, oe.Code)
}

func TestDeviceApprovedRedeems(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	require.NoError(t, store.TransitionFromPending(context.Background(), "dc-1", domain.DeviceStatusApproved, "user-1", "sess-1"))
	h := NewDeviceCodeHandler(store, zap.NewNop())

	result, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	require.NoError(t, err)
	require.Equal(t, "user-1", result.SubjectID)
	require.Equal(t, "sess-1", result.SessionID)
	require.Equal(t, []string{"device"}, result.AMR)
}

func TestDeviceRedemptionIsSingleUse(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	require.NoError(t, store.TransitionFromPending(context.Background(), "dc-1", domain.DeviceStatusApproved, "user-1", "sess-1"))
	h := NewDeviceCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	require.NoError(t, err)

	// A second poll after the tokens were collected must not mint again.
	_, err = h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeInvalidGrant, oe.Code)

	stored, err := store.Get(context.Background(), "t1", "dc-1")
	require.NoError(t, err)
	require.Equal(t, domain.DeviceStatusRedeemed, stored.Status)
}

func TestDeviceStaleApprovalExpires(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	require.NoError(t, store.TransitionFromPending(context.Background(), "dc-1", domain.DeviceStatusApproved, "user-1", "sess-1"))
	h := NewDeviceCodeHandler(store, zap.NewNop())

	// The approval sat uncollected past the authorization window.
	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeExpiredToken, oe.Code)
}

func TestDeviceDeniedAnswersAccessDenied(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, nil)
	require.NoError(t, store.TransitionFromPending(context.Background(), "dc-1", domain.DeviceStatusDenied, "", ""))
	h := NewDeviceCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeAccessDenied, oe.Code)
}

func TestDeviceLazyExpiry(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	seedDevice(t, store, func(d *domain.DeviceAuthorization) {
		d.ExpiresAt = time.Now().Add(-time.Minute)
	})
	h := NewDeviceCodeHandler(store, zap.NewNop())

	_, err := h.Handle(context.Background(), deviceRequest(), testDeviceClient())
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	require.Equal(t, oauth.CodeExpiredToken, oe.Code)

	// The stored record was transitioned, not just answered lazily.
	stored, err := store.Get(context.Background(), "t1", "dc-1")
	require.NoError(t, err)
	require.Equal(t, domain.DeviceStatusExpired, stored.Status)
}
