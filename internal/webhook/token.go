// Package webhook provides the HTTP endpoints that receive issue and comment
// events from the internal tracker and from GitLab.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Signature errors.
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the hex HMAC-SHA256 of body, as the internal tracker sends it
// in the signature header.
func Sign(body, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an internal tracker signature header against body.
// An empty secret disables the check.
func VerifySignature(body []byte, signature string, secret []byte) error {
	if len(secret) == 0 {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	if !hmac.Equal(got, h.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyGitLabToken compares the X-Gitlab-Token header with the configured
// secret token in constant time. An empty want disables the check.
func VerifyGitLabToken(got, want string) error {
	if want == "" {
		return nil
	}
	if got == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrBadSignature
	}
	return nil
}
