package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// credentials signs private REST calls. Kraken signs over the URI path and
// SHA-256(nonce + POST body) with the base64-decoded secret as HMAC-SHA512 key.
type credentials struct {
	key    string
	secret []byte

	lastNonce atomic.Int64
}

func newCredentials(key, secret string) (*credentials, error) {
	if key == "" || secret == "" {
		return nil, fmt.Errorf("kraken: api key and secret required")
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("kraken: decode api secret: %w", err)
	}
	return &credentials{key: key, secret: decoded}, nil
}

// nonce returns a strictly increasing millisecond nonce.
func (c *credentials) nonce() string {
	for {
		prev := c.lastNonce.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// sign attaches API-Key and API-Sign headers. The body must be the exact
// form-encoded payload carrying the nonce.
func (c *credentials) sign(req *http.Request, body []byte) error {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse signed body: %w", err)
	}
	nonce := values.Get("nonce")
	if nonce == "" {
		return fmt.Errorf("signed request missing nonce")
	}

	digest := sha256.Sum256(append([]byte(nonce), body...))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(req.URL.Path))
	mac.Write(digest[:])

	req.Header.Set("API-Key", c.key)
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return nil
}
