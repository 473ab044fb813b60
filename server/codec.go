package server

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

// Key derivation purposes. Each sealed value kind gets its own key.
const (
	PurposeSession     = "oidcgw/session"
	PurposeCorrelation = "oidcgw/correlation"
	PurposeSessionID   = "oidcgw/session-id"
)

var hkdfSalt = []byte("oidcgw-cookie-v1")

// Codec seals values into compact JWE (dir + A256GCM). Sealed values are
// confidential and tamper evident.
type Codec struct {
	key       []byte
	encrypter jose.Encrypter
}

// NewCodec derives a 256-bit key for purpose from secret using HKDF-SHA256.
func NewCodec(secret []byte, purpose string) (*Codec, error) {
	if len(secret) < minSessionSecretLen {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, minSessionSecretLen)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	return &Codec{key: key, encrypter: enc}, nil
}

// Seal encodes v as JSON and encrypts it.
func (c *Codec) Seal(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	obj, err := c.encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Open decrypts a sealed value into v. Any tampering fails with ErrInvalidState.
func (c *Codec) Open(sealed string, v any) error {
	if sealed == "" {
		return errors.Join(ErrInvalidState, errors.New("empty value"))
	}
	obj, err := jose.ParseEncrypted(sealed)
	if err != nil {
		return fmt.Errorf("%w: parse: %w", ErrInvalidState, err)
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidState, obj.Header.Algorithm)
	}
	payload, err := obj.Decrypt(c.key)
	if err != nil {
		return fmt.Errorf("%w: decrypt: %w", ErrInvalidState, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrInvalidState, err)
	}
	return nil
}
