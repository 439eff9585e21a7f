package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quintadata/transfergov/pkg/retry"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier posts the run message to a chat through the Bot API.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// NewTelegram builds the notifier. The HTTP client carries its own
// timeout so a hung Bot API call cannot stall run teardown.
func NewTelegram(token, chatID string) *TelegramNotifier {
	policy := retry.DefaultPolicy()
	// Alert delivery is best effort: two quick retries, not the load
	// transaction's full backoff.
	policy.MaxAttempts = 3
	policy.Base = 500 * time.Millisecond
	policy.Classify = func(err error) bool { return err != nil }
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  policy,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Send delivers one sendMessage call, retrying transient failures.
func (n *TelegramNotifier) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode payload: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)

	return retry.Do(ctx, n.policy, "telegram_send", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("telegram: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("telegram: sendMessage status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		var apiResp struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
			return fmt.Errorf("telegram: decode response: %w", err)
		}
		if !apiResp.OK {
			return fmt.Errorf("telegram: api rejected message: %s", apiResp.Description)
		}
		return nil
	})
}
