package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	parts := strings.SplitN(key.Plaintext, "_", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "ct", parts[0])
	assert.Equal(t, key.Prefix, parts[1])
	assert.Len(t, key.Prefix, keyPrefixLen)
	assert.NotEmpty(t, parts[2])
}

func TestGenerateAPIKeyHashVerifies(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	ok, err := VerifyAPIKey(key.Plaintext, key.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey(key.Plaintext+"x", key.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a.Plaintext, b.Plaintext)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestParsePrefix(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	prefix, err := ParsePrefix(key.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.Prefix, prefix)
}

func TestParsePrefixRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"ct_short",
		"nokey",
		"xx_12345678_secret",
		"ct_1234_secret", // prefix too short
	} {
		_, err := ParsePrefix(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", bad)
	}
}

func TestHashAPIKeySaltsDiffer(t *testing.T) {
	h1, err := HashAPIKey("ct_aaaabbbb_secret")
	require.NoError(t, err)
	h2, err := HashAPIKey("ct_aaaabbbb_secret")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "fresh salt per hash")

	for _, h := range []string{h1, h2} {
		ok, err := VerifyAPIKey("ct_aaaabbbb_secret", h)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestVerifyAPIKeyBadEncoding(t *testing.T) {
	_, err := VerifyAPIKey("anything", "not-a-valid-hash")
	assert.Error(t, err)
}
