package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	// PKCE challenge methods per RFC 7636.
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ValidChallengeMethod reports whether the method is one we accept. An empty
// method with a challenge present defaults to plain.
func ValidChallengeMethod(method string) bool {
	switch method {
	case MethodS256, MethodPlain, "":
		return true
	}
	return false
}

// VerifyPKCE checks a code verifier against the stored challenge.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case MethodPlain, "":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
	return false
}
