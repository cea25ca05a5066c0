package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/domain"
)

// HTTPNotifier posts CIBA authentication prompts to the client's registered
// notification endpoint. Transient failures are retried with exponential
// backoff; 4xx responses are treated as permanent.
type HTTPNotifier struct {
	client     *http.Client
	logger     *zap.Logger
	maxElapsed time.Duration
}

// NewHTTPNotifier builds a notifier with a bounded retry budget.
func NewHTTPNotifier(logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxElapsed: 30 * time.Second,
	}
}

// NotifyUser delivers the prompt payload. For ping clients the body carries
// only the auth_req_id; push clients also receive the binding context.
func (n *HTTPNotifier) NotifyUser(ctx context.Context, client *domain.Client, req *domain.CibaRequest) error {
	if client.CibaNotificationEndpoint == "" {
		return fmt.Errorf("client %s has no notification endpoint registered", client.ID)
	}

	payload := map[string]any{"auth_req_id": req.AuthReqID}
	if client.CibaDeliveryMode == domain.CibaModePush {
		payload["binding_message"] = req.BindingMessage
		payload["login_hint"] = req.LoginHint
		payload["scope"] = domain.JoinScope(req.Scopes)
		payload["expires_at"] = req.ExpiresAt.Unix()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	operation := func() (struct{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, client.CibaNotificationEndpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return struct{}{}, nil
		}
		err = fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(n.maxElapsed))
	if err != nil {
		return fmt.Errorf("notify %s: %w", client.ID, err)
	}

	n.logger.Debug("ciba notification delivered",
		zap.String("auth_req_id", req.AuthReqID),
		zap.String("client_id", client.ID),
		zap.String("mode", client.CibaDeliveryMode))
	return nil
}
