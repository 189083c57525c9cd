package webhook

import (
	"errors"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	secret := []byte("test-secret-key")
	body := []byte(`{"id":"i1","event":"issue"}`)
	sig := Sign(body, secret)

	tests := []struct {
		name    string
		body    []byte
		sig     string
		secret  []byte
		wantErr error
	}{
		{"valid", body, sig, secret, nil},
		{"prefixed", body, "sha256=" + sig, secret, nil},
		{"tampered body", []byte(`{"id":"i2","event":"issue"}`), sig, secret, ErrBadSignature},
		{"wrong secret", body, sig, []byte("other"), ErrBadSignature},
		{"not hex", body, "zz", secret, ErrBadSignature},
		{"missing", body, "", secret, ErrMissingSignature},
		{"disabled", body, "", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.body, tt.sig, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyGitLabToken(t *testing.T) {
	tests := []struct {
		got, want string
		wantErr   error
	}{
		{"s3cret", "s3cret", nil},
		{"nope", "s3cret", ErrBadSignature},
		{"", "s3cret", ErrMissingSignature},
		{"", "", nil},
		{"anything", "", nil},
	}
	for _, tt := range tests {
		if err := VerifyGitLabToken(tt.got, tt.want); !errors.Is(err, tt.wantErr) {
			t.Errorf("VerifyGitLabToken(%q, %q) error = %v, want %v", tt.got, tt.want, err, tt.wantErr)
		}
	}
}
