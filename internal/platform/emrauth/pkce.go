package emrauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// verifierBytes of entropy encode to an 86-character verifier, inside the
// 43-128 range RFC 7636 allows.
const verifierBytes = 64

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a fresh verifier/challenge pair. Verifiers are never
// reused across authorization attempts.
func GeneratePKCE() (*PKCE, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return &PKCE{Verifier: verifier, Challenge: CodeChallenge(verifier)}, nil
}

// CodeChallenge computes base64url(SHA256(verifier)) without padding.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a verifier against a challenge using S256.
func VerifyPKCE(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(CodeChallenge(verifier)), []byte(challenge)) == 1
}

// validVerifier checks length and the unreserved character set from RFC 7636.
func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_' || r == '~':
		default:
			return false
		}
	}
	return true
}
