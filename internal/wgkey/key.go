// Package wgkey provides WireGuard Curve25519 key handling.
package wgkey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyLen is the length in bytes of a WireGuard key.
const KeyLen = 32

// ErrInvalidKey is returned when a key cannot be decoded.
var ErrInvalidKey = errors.New("invalid wireguard key")

// Key is a WireGuard private or public key.
type Key [KeyLen]byte

// PrivateKey is a clamped Curve25519 private key.
type PrivateKey struct {
	key Key
}

// Pair holds a private key and its derived public key.
type Pair struct {
	Private PrivateKey
	Public  Key
}

// Generate creates a new random key pair.
func Generate() (Pair, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Pair{}, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	priv := NewPrivateKey(k)
	return Pair{Private: priv, Public: priv.Public()}, nil
}

// NewPrivateKey clamps raw per Curve25519 requirements.
func NewPrivateKey(raw Key) PrivateKey {
	raw[0] &= 248
	raw[31] &= 127
	raw[31] |= 64
	return PrivateKey{key: raw}
}

// ParsePrivateKey decodes a base64 private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	k, err := ParseKey(s)
	if err != nil {
		return PrivateKey{}, err
	}
	return NewPrivateKey(k), nil
}

// Public derives the public key.
func (p PrivateKey) Public() Key {
	var pub Key
	curve25519.ScalarBaseMult((*[KeyLen]byte)(&pub), (*[KeyLen]byte)(&p.key))
	return pub
}

// IsZero reports whether p is unset.
func (p PrivateKey) IsZero() bool {
	return p.key.IsZero()
}

// Base64 returns the key in the standard WireGuard text form. The value is
// secret and must not be logged.
func (p PrivateKey) Base64() string {
	return p.key.String()
}

// Hex returns the key in the form used by the WireGuard UAPI.
func (p PrivateKey) Hex() string {
	return p.key.Hex()
}

// String hides the key material.
func (p PrivateKey) String() string {
	return "(private key)"
}

// ParseKey decodes a base64 encoded key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeyLen {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// String returns the base64 form.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the hex form.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is all zero bytes.
func (k Key) IsZero() bool {
	var zero Key
	return k.Equal(zero)
}

// Equal compares two keys in constant time.
func (k Key) Equal(o Key) bool {
	return subtle.ConstantTimeCompare(k[:], o[:]) == 1
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
