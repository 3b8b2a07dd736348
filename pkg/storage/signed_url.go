package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// payloadSep separates the fields inside the signed payload. It may not
// appear in job IDs, which are UUIDs throughout the system.
const payloadSep = "|"

// SignedURLSigner mints and verifies HMAC-signed download tokens. A token
// carries the owning job ID, the stored file path and an expiry, so the
// download endpoint needs no session state.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSignedURLSigner builds a signer. A non-positive TTL falls back to 24h.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

// Generate signs a token for the job and file path and returns it with its
// expiry time.
func (s *SignedURLSigner) Generate(jobID, relPath string) (string, time.Time, error) {
	if jobID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("jobID and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	if strings.Contains(jobID, payloadSep) {
		return "", time.Time{}, fmt.Errorf("jobID contains reserved character")
	}
	expiresAt := time.Now().Add(s.ttl)
	payload := strings.Join([]string{jobID, strconv.FormatInt(expiresAt.Unix(), 10), relPath}, payloadSep)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	token := encoded + "." + s.sign(encoded)
	return token, expiresAt, nil
}

// Parse verifies the signature and expiry and returns the embedded fields.
// Cleanup routines pass allowExpired to resolve files past their window.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || signature == "" {
		return "", "", time.Time{}, fmt.Errorf("malformed token")
	}
	if !hmac.Equal([]byte(s.sign(encoded)), []byte(signature)) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	fields := strings.SplitN(string(raw), payloadSep, 3)
	if len(fields) != 3 {
		return "", "", time.Time{}, fmt.Errorf("malformed token payload")
	}
	expUnix, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid token expiry")
	}
	expiresAt = time.Unix(expUnix, 0)
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}
	return fields[0], fields[2], expiresAt, nil
}

func (s *SignedURLSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
