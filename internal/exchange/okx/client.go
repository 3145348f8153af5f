// Package okx implements the exchange adapter for OKX USDT-margined
// perpetual swaps.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

const defaultBaseURL = "https://www.okx.com"

// Config holds transport settings shared by every OKX account.
type Config struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	RulesTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RequestsPerSecond <= 0 {
		// trade endpoints allow 60 requests per 2s per instrument
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RulesTTL <= 0 {
		c.RulesTTL = 30 * time.Minute
	}
	return c
}

// Client is the signed v5 REST transport for one account.
type Client struct {
	cfg        Config
	auth       crypto.HMACAuth
	demo       bool
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client. OKX requires a passphrase in addition to the
// key pair; Testnet selects demo trading.
func NewClient(cfg Config, creds domain.Credentials, logger *slog.Logger) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return nil, fmt.Errorf("okx: %w: api key, secret and passphrase required", domain.ErrAuthentication)
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		auth:       crypto.HMACAuth{Key: creds.APIKey, Secret: creds.APISecret, Passphrase: creds.Passphrase},
		demo:       creds.Testnet,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.With(slog.String("component", "okx_client")),
		now:        time.Now,
	}, nil
}

// envelope is the common v5 response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// itemStatus is the per-item result carried by trade endpoints.
type itemStatus struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

// get sends a GET request. Private endpoints are signed over the path
// including the query string.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, signed, out)
}

// post sends a signed JSON POST request.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, true, out)
}

func (c *Client) do(ctx context.Context, method, pathWithQuery string, body any, signed bool, out any) error {
	var (
		bodyReader io.Reader
		bodyStr    string
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal request body: %w", err)
		}
		bodyStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+pathWithQuery, bodyReader)
	if err != nil {
		return fmt.Errorf("okx: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		for k, v := range c.auth.OKXHeadersAt(method, pathWithQuery, bodyStr, c.now().UTC()) {
			req.Header.Set(k, v)
		}
	}
	if c.demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("okx: rate limiter: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("okx: %s %s: %w: %v", method, req.URL.Path, domain.ErrTransientNetwork, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("okx: read body: %w: %v", domain.ErrTransientNetwork, err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if res.StatusCode >= 300 {
			return &domain.ExchangeError{
				Kind:     exchange.ClassifyHTTP(res.StatusCode),
				Exchange: domain.ExchangeOKX,
				Message:  truncate(strings.TrimSpace(string(raw))),
			}
		}
		return fmt.Errorf("okx: decode envelope: %w", jsonErr)
	}
	if env.Code != "0" {
		return c.envelopeError(res.StatusCode, env)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("okx: decode data: %w", err)
	}
	return nil
}

// envelopeError prefers the first item's sCode, which is where trade
// endpoints report the real reason behind a top-level code "1".
func (c *Client) envelopeError(status int, env envelope) error {
	code, msg := env.Code, env.Msg
	var items []itemStatus
	if json.Unmarshal(env.Data, &items) == nil {
		for _, it := range items {
			if it.SCode != "" && it.SCode != "0" {
				code, msg = it.SCode, it.SMsg
				break
			}
		}
	}
	return &domain.ExchangeError{
		Kind:     classify(status, code),
		Exchange: domain.ExchangeOKX,
		Code:     code,
		Message:  msg,
	}
}

// classify maps OKX error codes onto the error taxonomy.
func classify(status int, code string) error {
	switch code {
	case "50100", "50101", "50103", "50104", "50105", "50110", "50111", "50113", "50114", "50119":
		// account frozen, key/env mismatch, missing or invalid headers,
		// IP not whitelisted, invalid key, invalid sign, no permission
		return domain.ErrAuthentication
	case "51008", "51127", "51131":
		// insufficient balance or margin
		return domain.ErrInsufficientBalance
	case "51020", "51121", "51201", "51202", "51004", "51009", "51010", "51100":
		// below min size, not a lot multiple, value exceeds max, market size
		// exceeds max, leverage tier, order blocked, account mode, price limits
		return domain.ErrPrecisionOrLimit
	case "50001", "50004", "50011", "50013", "50026", "50102", "51149":
		// service unavailable, endpoint timeout, rate limit, system busy,
		// system error, expired timestamp, order timeout
		return domain.ErrTransientNetwork
	case "51016":
		return domain.ErrDuplicateOrder
	}
	if status >= 300 {
		return exchange.ClassifyHTTP(status)
	}
	return domain.ErrValidation
}

func truncate(s string) string {
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
