package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
)

func TestIssueAdminToken(t *testing.T) {
	tokens := middleware.NewAdminTokens("s3cret", time.Hour)

	var out bytes.Buffer
	require.NoError(t, issueAdminToken(tokens, []string{"ops@example.com"}, &out))

	var printed struct {
		Subject   string    `json:"subject"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "ops@example.com", printed.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), printed.ExpiresAt, time.Minute)

	subject, err := tokens.Parse(printed.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)
}

func TestIssueAdminTokenRejects(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, issueAdminToken(middleware.NewAdminTokens("s3cret", 0), nil, &out))
	assert.Error(t, issueAdminToken(middleware.NewAdminTokens("s3cret", 0), []string{"  "}, &out))
	assert.Error(t, issueAdminToken(middleware.NewAdminTokens("", 0), []string{"ops"}, &out))
	assert.Zero(t, out.Len())
}
