package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

func pushClient(endpoint string) *domain.Client {
	return &domain.Client{
		ID:                       "client-a",
		TenantID:                 "t1",
		CibaDeliveryMode:         domain.CibaModePush,
		CibaNotificationEndpoint: endpoint,
	}
}

func cibaRequest() *domain.CibaRequest {
	return &domain.CibaRequest{
		AuthReqID:      "req-1",
		BindingMessage: "pay 12 EUR",
		LoginHint:      "alice",
		Scopes:         []string{"openid", "payments"},
		ExpiresAt:      time.Now().Add(5 * time.Minute),
	}
}

func TestNotifyUserDeliversPushPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(zap.NewNop())
	require.NoError(t, n.NotifyUser(context.Background(), pushClient(srv.URL), cibaRequest()))

	require.Equal(t, "req-1", got["auth_req_id"])
	require.Equal(t, "pay 12 EUR", got["binding_message"])
	require.Equal(t, "openid payments", got["scope"])
}

func TestNotifyUserRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(zap.NewNop())
	n.maxElapsed = 5 * time.Second
	require.NoError(t, n.NotifyUser(context.Background(), pushClient(srv.URL), cibaRequest()))
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestNotifyUserStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(zap.NewNop())
	n.maxElapsed = 5 * time.Second
	require.Error(t, n.NotifyUser(context.Background(), pushClient(srv.URL), cibaRequest()))
	require.Equal(t, int32(1), calls.Load())
}

func TestNotifyUserRequiresEndpoint(t *testing.T) {
	n := NewHTTPNotifier(zap.NewNop())
	require.Error(t, n.NotifyUser(context.Background(), pushClient(""), cibaRequest()))
}
