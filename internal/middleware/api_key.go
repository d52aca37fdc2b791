package middleware

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API keys are bearer tokens of the form "<id>.<secret>". Only a bcrypt hash
// of the secret is ever stored.
const apiKeySeparator = "."

// SplitAPIKey splits a bearer token into key id and secret. ok is false when
// either part is missing.
func SplitAPIKey(token string) (keyID, secret string, ok bool) {
	keyID, secret, found := strings.Cut(token, apiKeySeparator)
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// FormatAPIKey is the inverse of [SplitAPIKey].
func FormatAPIKey(keyID, secret string) string {
	return keyID + apiKeySeparator + secret
}

// HashSecret returns a bcrypt hash of secret. Secrets longer than 72 bytes
// are rejected by bcrypt.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key secret: %w", err)
	}
	return string(hash), nil
}

// SecretMatchesHash reports whether secret matches a hash from [HashSecret].
// Anything that is not a bcrypt hash never matches.
func SecretMatchesHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
