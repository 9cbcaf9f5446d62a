// Package webhook verifies and de-duplicates inbound provider notifications.
package webhook

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

// SignatureHeader is the header Paddle puts its notification signature in.
const SignatureHeader = "Paddle-Signature"

// DefaultTolerance bounds how far a signature timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Signature is a parsed "ts=<unix>;h1=<hex>" header. Paddle may send several
// h1 values while a secret is being rotated.
type Signature struct {
	Timestamp time.Time
	H1        []string
}

func ParseSignatureHeader(header string) (Signature, error) {
	var sig Signature
	if strings.TrimSpace(header) == "" {
		return sig, ErrMissingSignature
	}

	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return sig, ErrMalformedSignature
		}
		switch k {
		case "ts":
			secs, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return sig, fmt.Errorf("%w: bad ts %q", ErrMalformedSignature, v)
			}
			sig.Timestamp = time.Unix(secs, 0)
		case "h1":
			sig.H1 = append(sig.H1, v)
		}
	}

	if sig.Timestamp.IsZero() || len(sig.H1) == 0 {
		return sig, ErrMalformedSignature
	}
	return sig, nil
}

// SignNotification builds a Paddle-Signature header value for body at ts.
func SignNotification(body []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + unix + ";h1=" + SignPayload(signedPayload(unix, body), secret)
}

func signedPayload(unix string, body []byte) []byte {
	buf := make([]byte, 0, len(unix)+1+len(body))
	buf = append(buf, unix...)
	buf = append(buf, ':')
	return append(buf, body...)
}

// Verifier checks Paddle-Signature headers against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Enabled reports whether a secret is configured. Without one, development
// servers accept unsigned notifications.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks header against the raw request body.
func (v *Verifier) Verify(header string, body []byte) error {
	sig, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	drift := v.now().Sub(sig.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return ErrSignatureExpired
	}

	payload := signedPayload(strconv.FormatInt(sig.Timestamp.Unix(), 10), body)
	for _, h1 := range sig.H1 {
		if VerifySignature(payload, v.secret, h1) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
