package token

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeQ61/message/internal/auth"
)

func TestNewTokenCommand(t *testing.T) {
	cmd := NewTokenCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "token <username>", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("ttl"))
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	cmd := NewTokenCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"alice", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	verifier, err := auth.NewHMACVerifier("cli-secret", 0)
	require.NoError(t, err)
	claims, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestTokenCommandRequiresUsername(t *testing.T) {
	cmd := NewTokenCommand()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
