package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// verifyPKCE checks that base64url(sha256(verifier)) == codeChallenge,
// per RFC 7636's S256 method. Comparison is constant-time since the
// challenge, while not secret, is compared against attacker-controlled
// input on a hot authentication path.
func verifyPKCE(codeChallenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}
