package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "pdl_ntfset_test_secret"

func TestSignPayload(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, SignPayload([]byte(`{"a":1}`), "secret"))
	assert.NotEqual(t, sig, SignPayload([]byte(`{"a":1}`), "other"))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"x"}`)
	sig := SignPayload(payload, "secret")
	assert.True(t, VerifySignature(payload, "secret", sig))
	assert.False(t, VerifySignature(payload, "secret", "deadbeef"))
	assert.False(t, VerifySignature(payload, "wrong", sig))
}

func TestParseSignatureHeader(t *testing.T) {
	sig, err := ParseSignatureHeader("ts=1700000000;h1=abc;h1=def")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), sig.Timestamp.Unix())
	assert.Equal(t, []string{"abc", "def"}, sig.H1)
}

func TestParseSignatureHeader_Errors(t *testing.T) {
	tests := map[string]error{
		"":                   ErrMissingSignature,
		"garbage":            ErrMalformedSignature,
		"ts=abc;h1=ff":       ErrMalformedSignature,
		"ts=1700000000":      ErrMalformedSignature,
		"h1=ff":              ErrMalformedSignature,
		"ts=1700000000;h1ff": ErrMalformedSignature,
	}
	for header, want := range tests {
		_, err := ParseSignatureHeader(header)
		assert.ErrorIs(t, err, want, "header %q", header)
	}
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 0)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"event_id":"evt_1"}`)
	header := SignNotification(body, testSecret, now)

	assert.NoError(t, fixedVerifier(now.Add(time.Minute)).Verify(header, body))
}

func TestVerifier_RejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	header := SignNotification([]byte(`{"amount":10}`), testSecret, now)

	err := fixedVerifier(now).Verify(header, []byte(`{"amount":1000}`))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	header := SignNotification(body, "another_secret", now)

	assert.ErrorIs(t, fixedVerifier(now).Verify(header, body), ErrSignatureMismatch)
}

func TestVerifier_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	header := SignNotification(body, testSecret, now.Add(-10*time.Minute))

	assert.ErrorIs(t, fixedVerifier(now).Verify(header, body), ErrSignatureExpired)
}

func TestVerifier_AcceptsAnyRotatedH1(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	good := SignNotification(body, testSecret, now)
	header := "ts=1700000000;h1=" + SignPayload([]byte("stale"), "old") + good[len("ts=1700000000"):]

	assert.NoError(t, fixedVerifier(now).Verify(header, body))
}

func TestVerifier_Enabled(t *testing.T) {
	assert.True(t, NewVerifier("s", time.Minute).Enabled())
	assert.False(t, NewVerifier("", time.Minute).Enabled())

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}
