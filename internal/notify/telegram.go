package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// SenderOption configures a chat sender.
type SenderOption func(*senderOpts)

type senderOpts struct {
	baseURL string
	client  *http.Client
}

// WithBaseURL points the sender at a different API host.
func WithBaseURL(u string) SenderOption {
	return func(o *senderOpts) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client with its 10-second timeout.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(o *senderOpts) { o.client = c }
}

func applySenderOpts(base string, opts []SenderOption) senderOpts {
	o := senderOpts{baseURL: base, client: &http.Client{Timeout: 10 * time.Second}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID.
func NewTelegramSender(token, chatID string, opts ...SenderOption) *TelegramSender {
	o := applySenderOpts(telegramAPI, opts)
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: o.baseURL,
		client:  o.client,
	}
}

// Send posts a message to the configured chat using the sendMessage API.
// The title is rendered in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", redactURLError(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the bot token; never surface it
		return fmt.Errorf("telegram: send request: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

// redactURLError strips the path and query from the URL inside a
// *url.Error. Bot tokens and webhook secrets live there.
func redactURLError(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	out := *uerr
	out.URL = "[redacted]"
	if u, perr := url.Parse(uerr.URL); perr == nil && u.Host != "" {
		out.URL = u.Scheme + "://" + u.Host + "/[redacted]"
	}
	return &out
}
