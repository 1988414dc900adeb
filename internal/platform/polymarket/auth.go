package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credentials are the L2 API credentials of a Polymarket account. They
// sign CLOB REST requests and authenticate the user channel.
type Credentials struct {
	Address    string // funder / proxy wallet address
	Key        string
	Secret     string // base64, standard or URL-safe
	Passphrase string
}

// Valid reports whether every field needed for L2 auth is set.
func (c Credentials) Valid() bool {
	return c.Address != "" && c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// L2Headers returns the headers for an authenticated CLOB request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body),
// base64 URL-encoded.
func (c Credentials) L2Headers(method, path, body string) map[string]string {
	return c.L2HeadersAt(method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers with a caller supplied Unix timestamp.
func (c Credentials) L2HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64(decodeSecret(c.Secret), ts+method+path+body)
	return map[string]string{
		"POLY_ADDRESS":    c.Address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// String returns a redacted representation suitable for logging.
func (c Credentials) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("Credentials{address=%s, key=%s, secret=%s}", c.Address, redact(c.Key), redact(c.Secret))
}

func decodeSecret(secret string) []byte {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(secret)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b
	}
	// Obviously wrong signature rather than a panic.
	return []byte(secret)
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
