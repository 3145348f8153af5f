package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against a venue REST API.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret
	Passphrase string // API passphrase (OKX only)
}

// SignHex returns hex(HMAC-SHA256(secret, payload)). Binance signs the
// encoded query string this way.
func (h *HMACAuth) SignHex(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 returns base64(HMAC-SHA256(secret, payload)).
func (h *HMACAuth) SignBase64(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// OKXHeaders returns the authentication headers for an OKX v5 request. The
// prehash string is timestamp + method + requestPath + body.
//
// Returned header keys:
//   - OK-ACCESS-KEY
//   - OK-ACCESS-SIGN
//   - OK-ACCESS-TIMESTAMP
//   - OK-ACCESS-PASSPHRASE
func (h *HMACAuth) OKXHeaders(method, path, body string) map[string]string {
	return h.OKXHeadersAt(method, path, body, time.Now())
}

// OKXHeadersAt is like OKXHeaders but lets the caller supply the timestamp
// (useful for deterministic testing).
func (h *HMACAuth) OKXHeadersAt(method, path, body string, at time.Time) map[string]string {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z")
	return map[string]string{
		"OK-ACCESS-KEY":        h.Key,
		"OK-ACCESS-SIGN":       h.SignBase64(ts + method + path + body),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": h.Passphrase,
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
