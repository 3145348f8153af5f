package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Vector from the Binance API documentation (SIGNED endpoint example).
func TestSignHexBinanceVector(t *testing.T) {
	auth := HMACAuth{Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := auth.SignHex(query); got != want {
		t.Fatalf("SignHex=%s, expected %s", got, want)
	}
}

func TestOKXHeadersAt(t *testing.T) {
	auth := HMACAuth{Key: "k", Secret: "s", Passphrase: "p"}
	at := time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	h := auth.OKXHeadersAt("GET", "/api/v5/account/balance", "", at)

	if h["OK-ACCESS-TIMESTAMP"] != "2024-01-02T03:04:05.678Z" {
		t.Fatalf("timestamp=%q", h["OK-ACCESS-TIMESTAMP"])
	}
	wantSig := auth.SignBase64("2024-01-02T03:04:05.678ZGET/api/v5/account/balance")
	if h["OK-ACCESS-SIGN"] != wantSig {
		t.Fatalf("sign=%q, expected %q", h["OK-ACCESS-SIGN"], wantSig)
	}
	if h["OK-ACCESS-PASSPHRASE"] != "p" || h["OK-ACCESS-KEY"] != "k" {
		t.Fatalf("unexpected headers %v", h)
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("correct horse")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal("my-api-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "my-api-secret") {
		t.Fatalf("sealed value leaks plaintext or lacks prefix: %q", sealed)
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "my-api-secret" {
		t.Fatalf("Open=%q", got)
	}

	wrong, _ := NewSealer("battery staple")
	if _, err := wrong.Open(sealed); err == nil {
		t.Fatalf("expected error opening with the wrong password")
	}
}

func TestOpenPassesPlainValues(t *testing.T) {
	s, _ := NewSealer("pw")
	got, err := s.OpenCredentials(domain.Credentials{APIKey: "plain", APISecret: "also-plain"})
	if err != nil {
		t.Fatalf("OpenCredentials: %v", err)
	}
	if got.APIKey != "plain" || got.APISecret != "also-plain" {
		t.Fatalf("unexpected credentials %+v", got)
	}
}

func TestNewSealerRejectsEmptyPassword(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
