package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	nonceSize = 12
	tagSize   = 16

	versionPrefix = "v1"
)

var (
	// ErrDecrypt is returned for every decryption failure: authentication
	// failure, wrong key, malformed input. The cause is deliberately not
	// distinguished so callers cannot probe ciphertexts.
	ErrDecrypt = errors.New("envelope: decryption failed")

	// ErrBadKey indicates the supplied key material is not usable.
	ErrBadKey = errors.New("envelope: key must be 32 bytes")
)

// Key is fixed-length symmetric key material supplied by the operator.
type Key [KeySize]byte

// KeyFromHex parses a 64-character hex string into a Key. The engine never
// generates or caches keys; malformed input is rejected outright rather than
// truncated or padded.
func KeyFromHex(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: not valid hex", ErrBadKey)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: got %d", ErrBadKey, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random nonce.
// Output is the versioned wire form "v1:<nonce>:<tag>:<body>" (segments are
// standard base64). All new ciphertext uses this form; legacy layouts are
// accepted on decrypt only.
func Encrypt(plaintext []byte, key Key) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag to the ciphertext; the wire format carries it as
	// its own segment.
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		versionPrefix,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(body),
	}, ":"), nil
}

// Decrypt opens a ciphertext produced by Encrypt, or by the pre-versioning
// layout "<iv>:<tag>:<body>". Any failure returns ErrDecrypt.
func Decrypt(ciphertext string, key Key) ([]byte, error) {
	nonce, tag, body, ok := splitCiphertext(ciphertext)
	if !ok {
		return nil, ErrDecrypt
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// IsCiphertext classifies a stored value as ciphertext (versioned or legacy)
// without touching key material. Rotation uses it to separate already-plaintext
// legacy records from corrupted ciphertext. Precedence: a "v1" prefix always
// wins; otherwise the value must be exactly three base64 segments whose nonce
// and tag decode to the expected lengths. Colon-delimited plaintext that
// happens to satisfy those checks is misclassified by construction; the
// rotation job surfaces such records as per-record failures rather than
// silently re-encrypting garbage.
func IsCiphertext(s string) bool {
	_, _, _, ok := splitCiphertext(s)
	return ok
}

// IsCurrent reports whether a value is already in the versioned wire format.
// Rotation uses it to decide which records a same-key run must normalize.
func IsCurrent(s string) bool {
	return strings.HasPrefix(s, versionPrefix+":") && IsCiphertext(s)
}

func splitCiphertext(s string) (nonce, tag, body []byte, ok bool) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 4 && parts[0] == versionPrefix:
		parts = parts[1:]
	case len(parts) == 3:
		// legacy, unversioned
	default:
		return nil, nil, nil, false
	}
	var err error
	if nonce, err = base64.StdEncoding.DecodeString(parts[0]); err != nil || len(nonce) != nonceSize {
		return nil, nil, nil, false
	}
	if tag, err = base64.StdEncoding.DecodeString(parts[1]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, false
	}
	if body, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, false
	}
	return nonce, tag, body, true
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptLegacyForTests produces the pre-versioning three-segment layout.
// Only intended for migration tests and fixtures.
func EncryptLegacyForTests(plaintext []byte, key Key) (string, error) {
	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(sealed, versionPrefix+":"), nil
}
