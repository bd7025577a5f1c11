// Package crypto provides the password hashing, token generation, and
// signing primitives shared by the auth, enrollment, and webhook layers.
//
// Password hashes use Argon2id and are stored as self-describing PHC
// strings so parameters can be upgraded later without breaking older
// hashes. Tokens carry a human-readable prefix (pm_, dt_, enroll_);
// API keys use an alphanumeric secret, other tokens URL-safe base64,
// all from the OS CSPRNG.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP baseline).
const (
	argonMemoryKiB   = 19456
	argonIterations  = 2
	argonParallelism = 1
	argonSaltLen     = 16
	argonKeyLen      = 32
)

// Token prefixes used across the platform.
const (
	PrefixAPIKey     = "pm_"
	PrefixDevice     = "dt_"
	PrefixEnrollment = "enroll_"
)

// MinTokenBytes is the minimum entropy for any generated token (256 bits).
const MinTokenBytes = 32

// ErrInvalidHashFormat is returned when a stored hash cannot be parsed as
// a PHC-formatted Argon2id string.
var ErrInvalidHashFormat = errors.New("invalid password hash format")

// HashPassword hashes plaintext with Argon2id and a random salt, returning
// the PHC-formatted string. Two calls with the same input yield distinct
// outputs.
func HashPassword(plaintext string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, argonIterations, argonMemoryKiB, argonParallelism, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemoryKiB, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks plaintext against a PHC string in constant time.
// Returns false (not an error) on mismatch; ErrInvalidHashFormat on
// malformed input.
func VerifyPassword(plaintext, phc string) (bool, error) {
	parts := strings.Split(phc, "$")
	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHashFormat
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidHashFormat
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return false, ErrInvalidHashFormat
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHashFormat
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHashFormat
	}

	got := argon2.IDKey([]byte(plaintext), salt, iters, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of input. Used to
// hash API keys, device tokens, and idempotency keys before storage.
func SHA256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the hex HMAC-SHA256 of message under secret.
// This is the webhook signature algorithm.
func HMACSHA256Hex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateToken returns prefix + URL-safe unpadded base64 of nBytes random
// bytes. nBytes below MinTokenBytes is bumped up to it.
func GenerateToken(prefix string, nBytes int) (string, error) {
	if nBytes < MinTokenBytes {
		nBytes = MinTokenBytes
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// apiKeyAlphabet is the wire charset for API key secrets. Keys are
// pm_ plus 32 alphanumeric characters so they survive copy-paste,
// URLs, and shell quoting unchanged.
const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const apiKeyLen = 32

// GenerateAPIKey returns a new API key secret: pm_ followed by 32
// characters from [A-Za-z0-9].
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	chars := make([]byte, apiKeyLen)
	for i, b := range buf {
		chars[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return PrefixAPIKey + string(chars), nil
}

// inviteAlphabet excludes ambiguous characters (I, O, 0, 1).
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateInviteCode returns three dash-separated 3-char groups, e.g.
// "K7Q-M2X-9FB".
func GenerateInviteCode() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	chars := make([]byte, 9)
	for i, b := range buf {
		chars[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", chars[0:3], chars[3:6], chars[6:9]), nil
}

// TokenPrefix returns the first 8 characters after the brand prefix, for
// display purposes. The raw secret is never persisted.
func TokenPrefix(token, brandPrefix string) string {
	rest := strings.TrimPrefix(token, brandPrefix)
	if len(rest) > 8 {
		rest = rest[:8]
	}
	return brandPrefix + rest
}
