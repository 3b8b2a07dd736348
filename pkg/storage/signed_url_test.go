package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedTokenRoundTrip(t *testing.T) {
	signer := NewSignedURLSigner("download-secret", time.Hour)

	token, expiresAt, err := signer.Generate("7f1b2c3d", "exports/register-20260115.csv")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	jobID, path, parsedExpiry, err := signer.Parse(token, false)
	require.NoError(t, err)
	assert.Equal(t, "7f1b2c3d", jobID)
	assert.Equal(t, "exports/register-20260115.csv", path)
	assert.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestSignedTokenTamperDetected(t *testing.T) {
	signer := NewSignedURLSigner("download-secret", time.Hour)
	token, _, err := signer.Generate("7f1b2c3d", "exports/register.csv")
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(token, ".")
	_, _, _, err = signer.Parse(payload+"x."+sig, false)
	assert.Error(t, err)

	_, _, _, err = NewSignedURLSigner("other-secret", time.Hour).Parse(token, false)
	assert.Error(t, err)
}

func TestSignedTokenExpiry(t *testing.T) {
	signer := NewSignedURLSigner("download-secret", 10*time.Millisecond)
	token, _, err := signer.Generate("7f1b2c3d", "documents/case-1/ds160.pdf")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, _, _, err = signer.Parse(token, false)
	assert.Error(t, err)

	jobID, path, _, err := signer.Parse(token, true)
	require.NoError(t, err)
	assert.Equal(t, "7f1b2c3d", jobID)
	assert.Equal(t, "documents/case-1/ds160.pdf", path)
}

func TestSignedTokenRejectsEmptyInputs(t *testing.T) {
	signer := NewSignedURLSigner("download-secret", time.Hour)

	_, _, err := signer.Generate("", "exports/file.csv")
	assert.Error(t, err)
	_, _, err = signer.Generate("job-1", "")
	assert.Error(t, err)
	_, _, _, err = signer.Parse("not-a-token", false)
	assert.Error(t, err)
}
