package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Header names carried by every private request.
const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-API-TIMESTAMP"
	headerSignature = "X-API-SIGNATURE"
)

// Auth signs private REST requests with HMAC-SHA256 over
// "timestamp + method + path [+ body]", keyed by the API secret.
type Auth struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewAuth creates an Auth from the configured key pair.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, secret: []byte(apiSecret), now: time.Now}
}

// HasCredentials reports whether both key and secret are set.
func (a *Auth) HasCredentials() bool {
	return a != nil && a.apiKey != "" && len(a.secret) > 0
}

// Headers returns the authentication headers for one request. path excludes
// the query string; body is the exact bytes that will be sent.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(a.now().UnixMilli(), 10)
	return map[string]string{
		headerAPIKey:    a.apiKey,
		headerTimestamp: timestamp,
		headerSignature: a.sign(timestamp, method, path, body),
	}
}

func (a *Auth) sign(timestamp, method, path, body string) string {
	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
