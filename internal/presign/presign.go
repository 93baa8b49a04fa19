// Package presign mints and verifies HMAC signatures that authorize a
// single action on a single subject for a bounded window. Signed query
// strings stand in for credentials on upload and download endpoints.
package presign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/clock"
)

// Action tokens are disjoint on purpose: an upload signature can never
// authorize a download of the same subject.
const (
	ActionUpload   = "upload"
	ActionDownload = "download"
)

// Signer holds the process-wide signing key. The key is mandatory at
// construction; a server without one must not start.
type Signer struct {
	key        []byte
	defaultTTL time.Duration
	skew       time.Duration
	clk        clock.Clock
}

// New builds a Signer. defaultTTL and skew fall back to 15 minutes and
// 30 seconds when zero.
func New(key []byte, defaultTTL, skew time.Duration, clk clock.Clock) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("presign: empty signing key")
	}
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Signer{key: key, defaultTTL: defaultTTL, skew: skew, clk: clk}, nil
}

func (s *Signer) mac(action, subject string, exp int64) string {
	h := hmac.New(sha256.New, s.key)
	fmt.Fprintf(h, "%s:%s:%d", action, subject, exp)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Sign returns the expiry and signature for action on subject. A zero
// ttl uses the signer's default.
func (s *Signer) Sign(action, subject string, ttl time.Duration) (exp int64, sig string) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	exp = s.clk.Now().Add(ttl).Unix()
	return exp, s.mac(action, subject, exp)
}

// SignQuery returns the ready-to-append query string for a presigned
// URL: act, exp and sig.
func (s *Signer) SignQuery(action, subject string, ttl time.Duration) string {
	exp, sig := s.Sign(action, subject, ttl)
	q := url.Values{}
	q.Set("act", action)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return q.Encode()
}

// Verify checks sig against (action, subject, exp). Expiry is checked
// first with skew tolerance; the signature comparison is constant-time.
func (s *Signer) Verify(action, subject string, exp int64, sig string) error {
	if s.clk.Now().After(time.Unix(exp, 0).Add(s.skew)) {
		return apperr.Forbiddenf("signature_expired", "signature expired")
	}
	expected := s.mac(action, subject, exp)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return apperr.Forbiddenf("signature_invalid", "signature mismatch")
	}
	return nil
}

// VerifyQuery pulls act/exp/sig out of parsed query values and verifies
// them against the expected action and subject.
func (s *Signer) VerifyQuery(q url.Values, action, subject string) error {
	if q.Get("act") != action {
		return apperr.Forbiddenf("signature_invalid", "action mismatch")
	}
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		return apperr.Forbiddenf("signature_invalid", "malformed expiry")
	}
	return s.Verify(action, subject, exp, q.Get("sig"))
}
