package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"keywarden.org/internal/ids"
)

const apiKeyPrefix = "kw_"

// MintAPIKey produces a fresh resource API key in the form "kw_<id>.<secret>"
// plus the identifier and bcrypt hash stored at rest. Every mint generates a
// new identifier, so a rotated key can never collide with or resurrect an old
// one.
func MintAPIKey() (key, keyID, keyHash string, err error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	keyID = ids.New()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return apiKeyPrefix + keyID + "." + secret, keyID, string(hash), nil
}

// RandomURLToken returns n random bytes as unpadded url-safe base64, suitable
// for opaque single-use codes.
func RandomURLToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SplitAPIKey separates a presented key into its identifier and secret halves.
func SplitAPIKey(raw string) (keyID, secret string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		return "", "", errors.New("invalid api key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, apiKeyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid api key format")
	}
	return parts[0], parts[1], nil
}

// VerifyAPIKey compares the presented secret against the stored bcrypt hash.
func VerifyAPIKey(storedHash, secret string) error {
	if storedHash == "" {
		return errors.New("api key hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret))
}
