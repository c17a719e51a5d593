package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Payment-Signature"

// DefaultTolerance is how far a signature timestamp may drift from the local clock.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature signals a missing, malformed or mismatching signature.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSignatureExpired signals a signature outside the tolerance window.
	ErrSignatureExpired = errors.New("webhook signature outside tolerance")
)

// Signer signs and verifies webhook bodies as "t=<unix>,v1=<hex hmac-sha256(secret, "<t>.<body>")>".
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSigner constructs a Signer. A non-positive tolerance uses DefaultTolerance.
func NewSigner(secret string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign returns the header value for body signed at t.
func (s *Signer) Sign(body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, s.mac(ts, body))
}

func (s *Signer) mac(ts string, body []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks header against body. Any v1 entry may match, which allows secret rotation
// on the provider side.
func (s *Signer) Verify(header string, body []byte) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	var (
		ts         string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > s.tolerance {
		return ErrSignatureExpired
	}

	expected := []byte(s.mac(ts, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}
