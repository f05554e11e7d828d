package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedAuth(key, secret string, at time.Time) *Auth {
	a := NewAuth(key, secret)
	a.now = func() time.Time { return at }
	return a
}

func expectedSignature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1_700_000_000_123)
	a := fixedAuth("key-1", "s3cret", at)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		message string
	}{
		{"no body", "GET", "/v1/private/balances", "", "1700000000123GET/v1/private/balances"},
		{"with body", "POST", "/v1/orders", `{"pair":"btc_jpy"}`, `1700000000123POST/v1/orders{"pair":"btc_jpy"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := a.Headers(tt.method, tt.path, tt.body)
			assert.Equal(t, "key-1", h[headerAPIKey])
			assert.Equal(t, "1700000000123", h[headerTimestamp])
			assert.Equal(t, expectedSignature("s3cret", tt.message), h[headerSignature])
		})
	}
}

func TestAuthSignatureDependsOnEveryPart(t *testing.T) {
	t.Parallel()

	a := fixedAuth("k", "secret", time.UnixMilli(1))
	base := a.sign("1", "DELETE", "/v1/orders/abc", "")

	assert.NotEqual(t, base, a.sign("2", "DELETE", "/v1/orders/abc", ""), "timestamp")
	assert.NotEqual(t, base, a.sign("1", "GET", "/v1/orders/abc", ""), "method")
	assert.NotEqual(t, base, a.sign("1", "DELETE", "/v1/orders/xyz", ""), "path")
	assert.NotEqual(t, base, a.sign("1", "DELETE", "/v1/orders/abc", "{}"), "body")
	assert.NotEqual(t, base, fixedAuth("k", "other", time.UnixMilli(1)).sign("1", "DELETE", "/v1/orders/abc", ""), "secret")
}

func TestAuthHasCredentials(t *testing.T) {
	t.Parallel()
	assert.True(t, NewAuth("k", "s").HasCredentials())
	assert.False(t, NewAuth("", "s").HasCredentials())
	assert.False(t, NewAuth("k", "").HasCredentials())

	var nilAuth *Auth
	assert.False(t, nilAuth.HasCredentials())
}
