package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MinKeyLength is the shortest password accepted by the codec.
const MinKeyLength = 32

const (
	blobVersion = "v1"
	blobSep     = "*"
	saltSize    = 16
	keySize     = 32 // AES-256
	clockSkew   = time.Minute
)

var blobEncoding = base64.RawURLEncoding

// EncryptionError reports a failure to seal a value.
type EncryptionError struct {
	Reason string
	Err    error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("seal: %s: %v", e.Reason, e.Err)
	}
	return "seal: " + e.Reason
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports a blob that could not be opened: malformed,
// tampered with, sealed under another key, or older than the codec TTL.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unseal: %s: %v", e.Reason, e.Err)
	}
	return "unseal: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Codec seals strings with AES-256-GCM under a key derived from a password.
//
// Blob layout: v1*<salt>*<issued unix>*<nonce||ciphertext>, every part
// base64url encoded except the timestamp. The header is bound to the
// ciphertext as associated data, so altering any part fails to open.
type Codec struct {
	password []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewCodec returns a codec for password. A positive ttl makes Unseal reject
// blobs issued longer ago than ttl.
func NewCodec(password string, ttl time.Duration) *Codec {
	return &Codec{password: []byte(password), ttl: ttl, now: time.Now}
}

// Seal encrypts value.
func (c *Codec) Seal(value string) (string, error) {
	if len(c.password) < MinKeyLength {
		return "", &EncryptionError{Reason: fmt.Sprintf("key must be at least %d characters", MinKeyLength)}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", &EncryptionError{Reason: "read salt", Err: err}
	}
	aead, err := c.aead(salt)
	if err != nil {
		return "", &EncryptionError{Reason: "init cipher", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &EncryptionError{Reason: "read nonce", Err: err}
	}

	header := strings.Join([]string{
		blobVersion,
		blobEncoding.EncodeToString(salt),
		strconv.FormatInt(c.now().Unix(), 10),
	}, blobSep)
	sealed := aead.Seal(nonce, nonce, []byte(value), []byte(header))
	return header + blobSep + blobEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a blob produced by Seal.
func (c *Codec) Unseal(blob string) (string, error) {
	if len(c.password) < MinKeyLength {
		return "", &DecryptionError{Reason: fmt.Sprintf("key must be at least %d characters", MinKeyLength)}
	}

	parts := strings.Split(strings.TrimSpace(blob), blobSep)
	if len(parts) != 4 {
		return "", &DecryptionError{Reason: "malformed blob"}
	}
	if parts[0] != blobVersion {
		return "", &DecryptionError{Reason: "unsupported version " + parts[0]}
	}
	salt, err := blobEncoding.DecodeString(parts[1])
	if err != nil || len(salt) != saltSize {
		return "", &DecryptionError{Reason: "malformed salt", Err: err}
	}
	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", &DecryptionError{Reason: "malformed timestamp", Err: err}
	}
	payload, err := blobEncoding.DecodeString(parts[3])
	if err != nil {
		return "", &DecryptionError{Reason: "malformed payload", Err: err}
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", &DecryptionError{Reason: "init cipher", Err: err}
	}
	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return "", &DecryptionError{Reason: "payload too short"}
	}
	nonce, ciphertext := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	header := strings.Join(parts[:3], blobSep)
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(header))
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}

	if c.ttl > 0 {
		age := c.now().Sub(time.Unix(issued, 0))
		if age > c.ttl+clockSkew {
			return "", &DecryptionError{Reason: "blob expired"}
		}
	}
	return string(plain), nil
}

func (c *Codec) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.password, salt, []byte("drive-bugle seal")), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Seal encrypts refreshToken under key with no expiry policy.
func Seal(refreshToken, key string) (string, error) {
	return NewCodec(key, 0).Seal(refreshToken)
}

// Unseal opens a blob sealed under key with no expiry policy.
func Unseal(blob, key string) (string, error) {
	return NewCodec(key, 0).Unseal(blob)
}
