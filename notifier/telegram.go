package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewTelegram creates a Telegram sender. baseURL may be empty for the public API.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &Telegram{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send performs one sendMessage call. A response with ok=false is a failure.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	form := url.Values{
		"chat_id":                  {msg.Destination},
		"text":                     {msg.Text},
		"disable_web_page_preview": {"true"},
	}
	if msg.Format != "" {
		form.Set("parse_mode", msg.Format)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("telegram: status %d: decode response: %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram: not ok (status %d): %s", resp.StatusCode, tr.Description)
	}
	return nil
}
