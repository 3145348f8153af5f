// Package binance implements the exchange adapter for Binance USDT-M
// perpetual futures.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"

	// weightLimit is the futures request-weight budget per minute.
	weightLimit = 2400
)

// Config holds transport settings shared by every Binance account.
type Config struct {
	BaseURL           string // overrides mainnet/testnet selection when set
	TestnetURL        string
	RecvWindow        int64 // ms
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MarginAsset       string
	RulesTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecvWindow == 0 {
		c.RecvWindow = 5000
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MarginAsset == "" {
		c.MarginAsset = "USDT"
	}
	if c.RulesTTL <= 0 {
		c.RulesTTL = 30 * time.Minute
	}
	if c.TestnetURL == "" {
		c.TestnetURL = testnetURL
	}
	return c
}

// Client is the signed REST transport for one account.
type Client struct {
	cfg        Config
	auth       crypto.HMACAuth
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeSync   *TimeSync
	logger     *slog.Logger

	mu         sync.Mutex
	usedWeight int
}

// NewClient creates a signed client for the given credentials.
func NewClient(cfg Config, creds domain.Credentials, logger *slog.Logger) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("binance: %w: api key and secret required", domain.ErrAuthentication)
	}
	cfg = cfg.withDefaults()

	base := mainnetURL
	if creds.Testnet {
		base = cfg.TestnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}

	c := &Client{
		cfg:        cfg,
		auth:       crypto.HMACAuth{Key: creds.APIKey, Secret: creds.APISecret},
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.With(slog.String("component", "binance_client")),
	}
	c.timeSync = NewTimeSync(c.serverTime, c.logger)
	return c, nil
}

// UsedWeight returns the last request weight reported by the venue.
func (c *Client) UsedWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedWeight
}

// serverTime fetches the futures server time in milliseconds.
func (c *Client) serverTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("binance: decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// doPublic sends an unsigned GET request.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	return c.send(ctx, req)
}

// doSigned adds timestamp, recvWindow and signature and sends the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if c.timeSync.Stale() {
		if err := c.timeSync.Sync(ctx); err != nil {
			c.logger.WarnContext(ctx, "binance: time sync failed", slog.String("error", err.Error()))
		}
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", c.auth.SignHex(params.Encode()))

	var (
		req     *http.Request
		err     error
		encoded = params.Encode()
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)

	body, err := c.send(ctx, req)
	var apiErr *domain.ExchangeError
	if errors.As(err, &apiErr) && apiErr.Code == "-1021" {
		// Local clock drifted outside recvWindow; resync so the retry signs
		// with a corrected timestamp.
		if syncErr := c.timeSync.Sync(ctx); syncErr != nil {
			c.logger.WarnContext(ctx, "binance: time resync failed", slog.String("error", syncErr.Error()))
		}
	}
	return body, err
}

func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("binance: %s %s: %w: %v", req.Method, req.URL.Path, domain.ErrTransientNetwork, err)
	}
	defer res.Body.Close()

	c.trackWeight(ctx, res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read body: %w: %v", domain.ErrTransientNetwork, err)
	}
	if res.StatusCode >= 300 {
		return nil, parseError(res.StatusCode, body)
	}
	return body, nil
}

func (c *Client) trackWeight(ctx context.Context, header string) {
	if header == "" {
		return
	}
	w, err := strconv.Atoi(header)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.usedWeight = w
	c.mu.Unlock()

	if pct := float64(w) / weightLimit * 100; pct >= 80 {
		c.logger.WarnContext(ctx, "binance: request weight high",
			slog.Int("used", w),
			slog.Int("limit", weightLimit),
		)
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError converts an error response into the taxonomy.
func parseError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)
	msg := e.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	code := ""
	if e.Code != 0 {
		code = strconv.Itoa(e.Code)
	}
	return &domain.ExchangeError{
		Kind:     classify(status, e.Code),
		Exchange: domain.ExchangeBinance,
		Code:     code,
		Message:  msg,
	}
}

// classify maps Binance error codes onto the error taxonomy.
func classify(status, code int) error {
	switch code {
	case -2014, -2015, -1022, -2008:
		// bad API key format, invalid key/IP/permissions, invalid signature,
		// invalid API key ID
		return domain.ErrAuthentication
	case -2018, -2019:
		// balance / margin insufficient
		return domain.ErrInsufficientBalance
	case -1111, -1013, -4164, -4003, -4005, -2027, -4028, -4131, -1116:
		// precision, filter failure, min notional, qty <= 0, qty > max,
		// max position at leverage, invalid leverage, percent price,
		// invalid order type
		return domain.ErrPrecisionOrLimit
	case -1021, -1003, -1001, -1007, -1008:
		// timestamp outside recvWindow, too many requests, disconnected,
		// backend timeout, server overloaded
		return domain.ErrTransientNetwork
	case -4116:
		return domain.ErrDuplicateOrder
	case 0:
		return exchange.ClassifyHTTP(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == 418 {
		return domain.ErrTransientNetwork
	}
	return domain.ErrValidation
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
