package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("download token malformed")
	ErrTokenSignature = errors.New("download token signature mismatch")
	ErrTokenExpired   = errors.New("download token expired")
)

// SignedURLSigner mints and verifies HMAC download tokens so statement
// files can be fetched without an Authorization header. A token binds a
// job ID and a storage-relative path to an expiry timestamp.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token of the form jobID.expiry.path.signature where
// the path segment is base64url and the signature covers the other three.
func (s *SignedURLSigner) Generate(jobID, relPath string) (string, time.Time, error) {
	if jobID == "" || relPath == "" {
		return "", time.Time{}, errors.New("job id and path are required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("signing secret not configured")
	}

	expiresAt := time.Now().Add(s.ttl)
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	pathSeg := base64.RawURLEncoding.EncodeToString([]byte(relPath))

	token := fmt.Sprintf("%s.%s.%s.%s", jobID, expiry, pathSeg, s.sign(jobID, expiry, pathSeg))
	return token, expiresAt, nil
}

// Parse verifies the signature before looking at anything else, then
// enforces expiry unless allowExpired is set (cleanup walks expired
// tokens to locate files that are due for removal).
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (string, string, time.Time, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 4 {
		return "", "", time.Time{}, ErrTokenMalformed
	}
	jobID, expiry, pathSeg, sig := segs[0], segs[1], segs[2], segs[3]

	if !hmac.Equal([]byte(s.sign(jobID, expiry, pathSeg)), []byte(sig)) {
		return "", "", time.Time{}, ErrTokenSignature
	}

	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", "", time.Time{}, ErrTokenMalformed
	}
	expiresAt := time.Unix(unix, 0)
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, ErrTokenExpired
	}

	rawPath, err := base64.RawURLEncoding.DecodeString(pathSeg)
	if err != nil {
		return "", "", time.Time{}, ErrTokenMalformed
	}
	return jobID, string(rawPath), expiresAt, nil
}

func (s *SignedURLSigner) sign(jobID, expiry, pathSeg string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", jobID, expiry, pathSeg)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
