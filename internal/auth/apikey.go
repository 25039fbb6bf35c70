package auth

import (
	"errors"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrAPIKeyMismatch indicates the presented API key secret does not match.
var ErrAPIKeyMismatch = errors.New("auth: api key mismatch")

// HashAPIKeySecret hashes an API key secret for at-rest storage. Only the
// hash is persisted; the plaintext secret is shown once at creation time.
func HashAPIKeySecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("auth: api key secret is required")
	}
	return argon2id.CreateHash(secret, argon2id.DefaultParams)
}

// VerifyAPIKeySecret checks a presented secret against the stored hash.
func VerifyAPIKeySecret(secret, hash string) error {
	match, err := argon2id.ComparePasswordAndHash(strings.TrimSpace(secret), hash)
	if err != nil {
		return err
	}
	if !match {
		return ErrAPIKeyMismatch
	}
	return nil
}
