package crypto

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"), "hash must be PHC-formatted")

	ok, err := VerifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok, "mismatch must return false, not error")
}

func TestHashPassword_DistinctSalts(t *testing.T) {
	h1, err := HashPassword("same input")
	require.NoError(t, err)
	h2, err := HashPassword("same input")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "random salt must produce distinct hashes")

	// Both still verify
	for _, h := range []string{h1, h2} {
		ok, err := VerifyPassword("same input", h)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"$argon2id$v=19$m=19456,t=2,p=1$onlyfivesegments",
		"$bcrypt$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=19456,t=2,p=1$!!!notbase64$aGFzaA",
	}
	for _, c := range cases {
		_, err := VerifyPassword("anything", c)
		assert.ErrorIs(t, err, ErrInvalidHashFormat, "input: %q", c)
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known vector for "abc"
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA256Hex("abc"))
	assert.Len(t, SHA256Hex(""), 64)
}

func TestHMACSHA256Hex(t *testing.T) {
	sig := HMACSHA256Hex("secret", []byte(`{"event":"x"}`))
	assert.Len(t, sig, 64)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), sig)

	// Deterministic for same inputs, different for different secret
	assert.Equal(t, sig, HMACSHA256Hex("secret", []byte(`{"event":"x"}`)))
	assert.NotEqual(t, sig, HMACSHA256Hex("other", []byte(`{"event":"x"}`)))
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(PrefixDevice, 45)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok, "dt_"))
	assert.NotContains(t, tok, "=", "base64 must be unpadded")

	// 45 bytes -> 60 base64 chars
	assert.Len(t, tok, len("dt_")+60)

	// Below-minimum request is bumped to 32 bytes
	small, err := GenerateToken(PrefixEnrollment, 4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(small)-len(PrefixEnrollment), 43)
}

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^pm_[A-Za-z0-9]{32}$`), key)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestGenerateInviteCode(t *testing.T) {
	code, err := GenerateInviteCode()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-HJ-NP-Z2-9]{3}-[A-HJ-NP-Z2-9]{3}-[A-HJ-NP-Z2-9]{3}$`), code)
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "pm_AbCdEfGh", TokenPrefix("pm_AbCdEfGhIjKlMnOp", "pm_"))
	assert.Equal(t, "pm_abc", TokenPrefix("pm_abc", "pm_"))
}
