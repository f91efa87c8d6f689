package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func generateID(prefix string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return prefix + hex.EncodeToString(b), nil
}

func generateClientID() (string, error) { return generateID("pg_client_") }
func generateSecret() (string, error)   { return generateID("pg_secret_") }
func generateCode() (string, error)     { return generateID("pg_code_") }
func generateAccessToken() (string, error)  { return generateID("pg_at_") }
func generateRefreshToken() (string, error) { return generateID("pg_rt_") }
func generateFamily() (string, error)       { return generateID("pg_fam_") }
