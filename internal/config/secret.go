package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SecretSize is the length in bytes of a generated auth_secret.
const SecretSize = 32

// GenerateAuthSecret generates a new random hex-encoded auth_secret, the
// shared key used to derive ephemeral-credential passwords (internal/auth)
// and forwarded to the portal as JoinMessage.stamp_secret.
func GenerateAuthSecret() (string, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating auth secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DecodeAuthSecret decodes a hex-encoded auth_secret into raw bytes for
// internal/auth.New.
func DecodeAuthSecret(hexSecret string) ([]byte, error) {
	b, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding auth secret: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("auth secret is empty")
	}
	return b, nil
}
