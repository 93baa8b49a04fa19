package presign

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/clock"
)

func newSigner(t *testing.T) (*Signer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := New([]byte("test-secret"), 15*time.Minute, 30*time.Second, clk)
	require.NoError(t, err)
	return s, clk
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(nil, 0, 0, nil)
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, clk := newSigner(t)

	exp, sig := s.Sign(ActionDownload, "art-1", 900*time.Second)
	assert.Equal(t, clk.Now().Add(900*time.Second).Unix(), exp)
	require.NoError(t, s.Verify(ActionDownload, "art-1", exp, sig))

	// Valid across the whole window including the skew margin.
	clk.Advance(900*time.Second + 29*time.Second)
	assert.NoError(t, s.Verify(ActionDownload, "art-1", exp, sig))

	clk.Advance(2 * time.Second)
	err := s.Verify(ActionDownload, "art-1", exp, sig)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
	assert.Equal(t, "signature_expired", apperr.CodeOf(err))
}

func TestVerifyRejectsTamper(t *testing.T) {
	s, _ := newSigner(t)
	exp, sig := s.Sign(ActionDownload, "art-1", 900*time.Second)

	// A different subject under the same signature.
	err := s.Verify(ActionDownload, "art-2", exp, sig)
	assert.Equal(t, "signature_invalid", apperr.CodeOf(err))

	// A shifted expiry invalidates the signature even if still in the future.
	err = s.Verify(ActionDownload, "art-1", exp+60, sig)
	assert.Equal(t, "signature_invalid", apperr.CodeOf(err))

	// Actions are not interchangeable.
	err = s.Verify(ActionUpload, "art-1", exp, sig)
	assert.Equal(t, "signature_invalid", apperr.CodeOf(err))
}

func TestVerifyQuery(t *testing.T) {
	s, _ := newSigner(t)
	q, err := url.ParseQuery(s.SignQuery(ActionUpload, "file-7", 0))
	require.NoError(t, err)

	assert.NoError(t, s.VerifyQuery(q, ActionUpload, "file-7"))
	assert.Error(t, s.VerifyQuery(q, ActionDownload, "file-7"))

	q.Set("exp", "not-a-number")
	assert.Error(t, s.VerifyQuery(q, ActionUpload, "file-7"))
}

func TestSignDefaultTTL(t *testing.T) {
	s, clk := newSigner(t)
	exp, _ := s.Sign(ActionUpload, "file-1", 0)
	assert.Equal(t, clk.Now().Add(15*time.Minute).Unix(), exp)
}
