package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned when a stored key hash cannot be parsed.
var ErrInvalidHash = errors.New("auth: invalid api key hash")

// keyParams are the Argon2id cost parameters a hash was made with.
type keyParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

// defaultParams apply to new hashes and to legacy salt$hash values.
var defaultParams = keyParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

const saltLen = 16

// HashAPIKey hashes the shared xray API key with Argon2id. The result carries
// its parameters, e.g. argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>, so
// XRAY_API_KEY_HASH values stay verifiable if the defaults change.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	sum := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// CheckHash reports whether encoded is a usable API key hash.
func CheckHash(encoded string) error {
	_, _, _, err := parseHash(encoded)
	return err
}

// DummyVerify burns the same Argon2id cost as a real check. /auth/token calls
// it when the request carries no key, so both rejections take equally long.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyAPIKey checks apiKey against an encoded hash in either the
// argon2id$... form or the bare salt$hash form.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func parseHash(encoded string) (keyParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	switch {
	case len(parts) == 2:
		salt, err := decodeB64(parts[0])
		if err != nil {
			return keyParams{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
		}
		sum, err := decodeB64(parts[1])
		if err != nil {
			return keyParams{}, nil, nil, fmt.Errorf("%w: hash: %v", ErrInvalidHash, err)
		}
		return defaultParams, salt, sum, nil

	case len(parts) == 5 && parts[0] == "argon2id":
		var version int
		if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
			return keyParams{}, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[1])
		}
		var p keyParams
		if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
			return keyParams{}, nil, nil, fmt.Errorf("%w: params %q", ErrInvalidHash, parts[2])
		}
		if p.memory == 0 || p.time == 0 || p.threads == 0 {
			return keyParams{}, nil, nil, fmt.Errorf("%w: params %q", ErrInvalidHash, parts[2])
		}
		salt, err := decodeB64(parts[3])
		if err != nil {
			return keyParams{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
		}
		sum, err := decodeB64(parts[4])
		if err != nil {
			return keyParams{}, nil, nil, fmt.Errorf("%w: hash: %v", ErrInvalidHash, err)
		}
		if len(sum) == 0 {
			return keyParams{}, nil, nil, fmt.Errorf("%w: empty hash", ErrInvalidHash)
		}
		p.keyLen = uint32(len(sum))
		return p, salt, sum, nil

	default:
		return keyParams{}, nil, nil, fmt.Errorf("%w: expected argon2id$v=..$m=..,t=..,p=..$salt$hash or salt$hash", ErrInvalidHash)
	}
}

// decodeB64 accepts padded and unpadded standard base64.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
