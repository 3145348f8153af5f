// Package crypto provides request signing for venue REST APIs and sealing of
// exchange API secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-secret JSON schema version.
	currentVersion = 1

	// sealedPrefix marks a column value produced by Seal.
	sealedPrefix = "sealed:"
)

// sealedJSON is the stored format for an encrypted secret.
type sealedJSON struct {
	Version    int    `json:"v"`
	Salt       string `json:"s"` // base64 standard encoding
	Nonce      string `json:"n"` // base64 standard encoding
	Ciphertext string `json:"c"` // base64 standard encoding
}

// Sealer encrypts and decrypts API secrets with a key derived from a master
// password. Derived keys are not cached; sealing is rare and opening happens
// once per account per registry load.
type Sealer struct {
	password string
}

// NewSealer returns a Sealer for password.
func NewSealer(password string) (*Sealer, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	return &Sealer{password: password}, nil
}

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Seal encrypts plaintext using PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM authenticated encryption. The result is a printable string
// suitable for a TEXT column.
func (s *Sealer) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out, err := json.Marshal(sealedJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("crypto: marshal sealed secret: %w", err)
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged so rosters can mix plain and sealed secrets during
// migration.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decoding sealed secret: %w", err)
	}

	var stored sealedJSON
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed secret: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

// OpenCredentials decrypts every sealed field of c.
func (s *Sealer) OpenCredentials(c domain.Credentials) (domain.Credentials, error) {
	var err error
	out := c
	if out.APIKey, err = s.Open(c.APIKey); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: api key: %w", err)
	}
	if out.APISecret, err = s.Open(c.APISecret); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: api secret: %w", err)
	}
	if out.Passphrase, err = s.Open(c.Passphrase); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: passphrase: %w", err)
	}
	return out, nil
}

func (s *Sealer) gcm(salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(s.password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
