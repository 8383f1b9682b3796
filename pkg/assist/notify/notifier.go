package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers a generated message to a device user, gated by the
// sliding window. Delivery is fire-and-forget: a denial or a delivery
// failure never fails the request that produced the message.
type Notifier struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Windows    Windows
	Logger     *slog.Logger

	now func() time.Time
}

func NewNotifier(baseURL, apiKey string, windows Windows, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Windows:    windows,
		Logger:     logger,
		now:        time.Now,
	}
}

// Send consumes a window slot and, if allowed, dispatches the delivery in
// the background. Window-backend errors fail open: losing a notification
// bound is preferable to dropping deliveries when Redis blips.
func (n *Notifier) Send(ctx context.Context, userID, message string) Decision {
	if userID == "" || n.BaseURL == "" {
		return Decision{Allowed: true}
	}

	dec, err := n.Windows.TryConsume(ctx, userID, n.now())
	if err != nil {
		n.Logger.Warn("notify window backend error, failing open", "user_id", userID, "error", err)
		dec = Decision{Allowed: true}
	}
	if !dec.Allowed {
		return dec
	}

	go n.deliver(userID, message)
	return dec
}

func (n *Notifier) deliver(userID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"user_id": userID,
		"message": message,
	})
	if err != nil {
		n.Logger.Warn("notify encode failed", "user_id", userID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/v2/integrations/notification", bytes.NewReader(payload))
	if err != nil {
		n.Logger.Warn("notify request build failed", "user_id", userID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if n.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.APIKey)
	}

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		n.Logger.Warn("notify delivery failed", "user_id", userID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		n.Logger.Warn("notify delivery rejected", "user_id", userID, "status", resp.StatusCode)
	}
}
