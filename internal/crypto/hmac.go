package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// EnvelopeSigner authenticates RPC traffic with the pool service. Both
// directions carry a timestamped HMAC over the JSON body; a signature older
// than MaxAge is refused even when it verifies.
type EnvelopeSigner struct {
	Key    string        // shared signing key
	MaxAge time.Duration // accepted signature age on verification
}

// Header names carried on every signed request and response.
const (
	HeaderTimestamp = "X-SCM-Timestamp"
	HeaderSignature = "X-SCM-Signature"
)

// Headers returns the HTTP headers for a signed request body.
// The signature is HMAC-SHA256(key, timestamp+body) encoded as base64.
func (s *EnvelopeSigner) Headers(body []byte) map[string]string {
	return s.HeadersAt(body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (s *EnvelopeSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(s.Key), ts+string(body)),
	}
}

// Verify checks the signature and timestamp on a received body. It returns an
// error when the signature does not match or the timestamp is outside MaxAge
// in either direction (stale or from a skewed clock).
func (s *EnvelopeSigner) Verify(body []byte, tsHeader, sigHeader string) error {
	return s.VerifyAt(body, tsHeader, sigHeader, time.Now().Unix())
}

// VerifyAt is like Verify but lets the caller supply the current Unix
// timestamp.
func (s *EnvelopeSigner) VerifyAt(body []byte, tsHeader, sigHeader string, nowUnix int64) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: malformed timestamp %q", tsHeader)
	}

	age := time.Duration(nowUnix-ts) * time.Second
	if age < 0 {
		age = -age
	}
	if s.MaxAge > 0 && age > s.MaxAge {
		return fmt.Errorf("crypto: signature aged %s exceeds max %s", age, s.MaxAge)
	}

	want := hmacSHA256Base64([]byte(s.Key), tsHeader+string(body))
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return fmt.Errorf("crypto: signature mismatch")
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *EnvelopeSigner) String() string {
	k := s.Key
	if len(k) > 4 {
		k = k[:4] + "****"
	} else if k != "" {
		k = "****"
	}
	return fmt.Sprintf("EnvelopeSigner{key=%s, max_age=%s}", k, s.MaxAge)
}
