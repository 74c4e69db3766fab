package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACVerifierRoundTrip(t *testing.T) {
	v, err := NewHMACVerifier("secret", 0)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.WithClock(func() time.Time { return now })

	token, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, now.Add(time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestHMACVerifierRejectsExpired(t *testing.T) {
	v, err := NewHMACVerifier("secret", 2*time.Second)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.WithClock(func() time.Time { return now })
	token, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	now = now.Add(time.Minute + time.Second)
	_, err = v.Verify(token)
	require.NoError(t, err, "within leeway")

	now = now.Add(5 * time.Second)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestHMACVerifierRejectsForeignSignature(t *testing.T) {
	issuer, err := NewHMACVerifier("other", 0)
	require.NoError(t, err)
	token, err := issuer.Sign("alice", time.Minute)
	require.NoError(t, err)

	v, err := NewHMACVerifier("secret", 0)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACVerifierRejectsMalformed(t *testing.T) {
	v, err := NewHMACVerifier("secret", 0)
	require.NoError(t, err)
	token, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "",
		"two parts":  "a.b",
		"bad base64": "!!.??.##",
		"tampered":   token[:strings.LastIndex(token, ".")] + ".AAAA",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewHMACVerifierRequiresSecret(t *testing.T) {
	_, err := NewHMACVerifier("  ", 0)
	assert.Error(t, err)
}
