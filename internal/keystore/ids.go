package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateKeyID creates a cryptographically random key identifier in the
// pg_ namespace shared by every identifier this system issues.
func generateKeyID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return "pg_" + hex.EncodeToString(b), nil
}
