package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// credentials signs REST and streaming auth with the same HMAC-SHA256 scheme:
// the signature covers verb + path + expires (+ body for REST), where expires
// is a short future unix timestamp that bounds replay.
type credentials struct {
	key    string
	secret []byte

	now func() time.Time
}

func newCredentials(key, secret string) (*credentials, error) {
	if key == "" || secret == "" {
		return nil, fmt.Errorf("bitmex: api key and secret required")
	}
	return &credentials{key: key, secret: []byte(secret), now: time.Now}, nil
}

const signatureWindow = 30 * time.Second

func (c *credentials) expires() int64 {
	return c.now().Add(signatureWindow).Unix()
}

func (c *credentials) digest(verb, path string, expires int64, body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(verb))
	mac.Write([]byte(path))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// sign attaches api-key, api-expires and api-signature headers.
func (c *credentials) sign(req *http.Request, body []byte) error {
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	expires := c.expires()
	req.Header.Set("api-key", c.key)
	req.Header.Set("api-expires", strconv.FormatInt(expires, 10))
	req.Header.Set("api-signature", c.digest(req.Method, path, expires, body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return nil
}

// wsAuthArgs produces the arguments for the streaming auth challenge, which
// signs over "GET/realtime" + expires.
func (c *credentials) wsAuthArgs() (string, int64, string) {
	expires := c.expires()
	return c.key, expires, c.digest(http.MethodGet, "/realtime", expires, nil)
}
