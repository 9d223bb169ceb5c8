package github

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureFormat(t *testing.T) {
	sig := Signature([]byte("secret"), []byte(`{"zen":"ok"}`))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)

	assert.True(t, VerifySignature(secret, body, Signature(secret, body)))
}

func TestVerifySignatureRejects(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	good := Signature(secret, body)

	tests := []struct {
		name   string
		header string
	}{
		{"zeroed digest of equal length", "sha256=" + strings.Repeat("0", 64)},
		{"wrong secret", Signature([]byte("other"), body)},
		{"tampered body", Signature(secret, []byte(`{"ref":"refs/heads/evil"}`))},
		{"missing prefix", strings.TrimPrefix(good, "sha256=")},
		{"empty header", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, VerifySignature(secret, body, tt.header))
		})
	}
}

func TestGitErrorMessage(t *testing.T) {
	err := &GitError{Op: "checkout", Stderr: "pathspec 'abc' did not match", ExitCode: 1}
	assert.Equal(t, "git checkout failed (exit 1): pathspec 'abc' did not match", err.Error())
}
