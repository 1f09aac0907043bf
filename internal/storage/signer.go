package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	MethodUpload   = "PUT"
	MethodDownload = "GET"
)

// Signer issues and verifies expiring HMAC-signed object URLs of the form
// <base>/files/<key>?expires=..&ct=..&fn=..&sig=..
type Signer struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

func NewSigner(secret []byte, baseURL string) *Signer {
	return &Signer{key: secret, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func (s *Signer) Sign(method, key, contentType, filename string, ttl time.Duration) SignedURL {
	expiresAt := s.now().Add(ttl).UTC().Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	if contentType != "" {
		q.Set("ct", contentType)
	}
	if filename != "" {
		q.Set("fn", filename)
	}
	q.Set("sig", s.mac(method, key, q))
	return SignedURL{
		URL:       fmt.Sprintf("%s/files/%s?%s", s.baseURL, escapeKey(key), q.Encode()),
		ExpiresAt: expiresAt,
	}
}

// Verify checks the signature and expiry of a request for key.
func (s *Signer) Verify(method, key string, q url.Values) error {
	sig := q.Get("sig")
	if sig == "" {
		return fmt.Errorf("missing signature")
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry")
	}
	want := s.mac(method, key, q)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}
	if s.now().Unix() > expires {
		return fmt.Errorf("url expired")
	}
	return nil
}

func (s *Signer) mac(method, key string, q url.Values) string {
	m := hmac.New(sha256.New, s.key)
	fmt.Fprintf(m, "%s\n%s\n%s\n%s\n%s", method, key, q.Get("expires"), q.Get("ct"), q.Get("fn"))
	return hex.EncodeToString(m.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
