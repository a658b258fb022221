// Package auth implements API key authentication.
//
// Keys look like "ct_<prefix>_<secret>". The prefix is stored in plain
// text for O(1) lookup; the full key is stored only as an Argon2id hash.
// A failed lookup still burns one hash verification so response timing
// does not reveal whether a prefix exists.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/storage"
)

const (
	keyScheme    = "ct"
	keyPrefixLen = 8
	keySecretLen = 24 // random bytes, hex-encoded in the key
)

// ErrInvalidKey is returned for missing, malformed, or unverifiable keys.
// Callers map it to 401 without detail; which part failed stays private.
var ErrInvalidKey = errors.New("auth: invalid API key")

// GeneratedKey is a freshly minted API key. Plaintext exists only in
// this struct, returned once at creation time.
type GeneratedKey struct {
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateAPIKey mints a new key of the form ct_<prefix>_<secret>.
func GenerateAPIKey() (GeneratedKey, error) {
	raw := make([]byte, keySecretLen)
	if _, err := rand.Read(raw); err != nil {
		return GeneratedKey{}, fmt.Errorf("auth: generate key: %w", err)
	}
	secret := hex.EncodeToString(raw)
	prefix := secret[:keyPrefixLen]
	plaintext := keyScheme + "_" + prefix + "_" + secret[keyPrefixLen:]

	hash, err := HashAPIKey(plaintext)
	if err != nil {
		return GeneratedKey{}, err
	}
	return GeneratedKey{Plaintext: plaintext, Prefix: prefix, Hash: hash}, nil
}

// ParsePrefix extracts the lookup prefix from a presented key.
func ParsePrefix(apiKey string) (string, error) {
	parts := strings.SplitN(apiKey, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme || len(parts[1]) != keyPrefixLen {
		return "", ErrInvalidKey
	}
	return parts[1], nil
}

// Authenticator resolves presented API keys to users.
type Authenticator struct {
	db *storage.DB
}

// NewAuthenticator creates an authenticator backed by the user store.
func NewAuthenticator(db *storage.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate verifies an API key and returns its user. Every failure
// path performs exactly one Argon2id computation.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (model.User, error) {
	prefix, err := ParsePrefix(apiKey)
	if err != nil {
		DummyVerify()
		return model.User{}, ErrInvalidKey
	}

	user, err := a.db.GetUserByKeyPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			DummyVerify()
			return model.User{}, ErrInvalidKey
		}
		return model.User{}, err
	}

	ok, err := VerifyAPIKey(apiKey, user.APIKeyHash)
	if err != nil || !ok {
		return model.User{}, ErrInvalidKey
	}
	return user, nil
}
