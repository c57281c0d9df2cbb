// Package crypt holds the shared-secret key material and the sealing
// primitive applied to every frame.
//
// The operator provisions the same secret on both peers out of band. The
// secret is never transmitted: both sides derive a 32-byte key from it
// with HKDF-SHA256 and seal frames with XChaCha20-Poly1305. Peers holding
// different secrets cannot tell "wrong secret" from "corrupted frame";
// both surface as protocol.ErrCrypto.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of the derived channel key.
const KeySize = chacha20poly1305.KeySize

// SealedVersion is prepended to every sealed blob and authenticated as AAD.
const SealedVersion byte = 0x01

// SealedOverhead is version + nonce + Poly1305 tag.
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// GeneratedSecretBytes is the amount of entropy in GenerateSecret output.
const GeneratedSecretBytes = 32

var (
	ErrEmptySecret = errors.New("crypt: empty shared secret")

	hkdfInfoChannel   = []byte("linkctl.channel.v1")
	fingerprintDomain = []byte("linkctl.fingerprint.v1")
)

// SharedSecret is the immutable key derived from the operator-provisioned
// secret. The zero value is unusable; construct with NewSharedSecret.
type SharedSecret struct {
	key   [KeySize]byte
	valid bool
}

// NewSharedSecret derives channel key material from the provisioned secret.
func NewSharedSecret(material []byte) (SharedSecret, error) {
	if len(material) == 0 {
		return SharedSecret{}, ErrEmptySecret
	}
	var s SharedSecret
	reader := hkdf.New(sha256.New, material, nil, hkdfInfoChannel)
	if _, err := io.ReadFull(reader, s.key[:]); err != nil {
		return SharedSecret{}, fmt.Errorf("crypt: derive channel key: %w", err)
	}
	s.valid = true
	return s, nil
}

// MustSharedSecret is NewSharedSecret for literals in tests and tooling.
func MustSharedSecret(material string) SharedSecret {
	s, err := NewSharedSecret([]byte(material))
	if err != nil {
		panic(err)
	}
	return s
}

// Valid reports whether the secret was derived from non-empty material.
func (s SharedSecret) Valid() bool {
	return s.valid
}

// Fingerprint is a short, non-reversible identifier of the derived key.
// Operators compare fingerprints on both ends instead of the secret itself.
func (s SharedSecret) Fingerprint() string {
	if !s.valid {
		return "invalid"
	}
	hasher := blake3.New()
	_, _ = hasher.Write(fingerprintDomain)
	_, _ = hasher.Write(s.key[:])
	return hex.EncodeToString(hasher.Sum(nil)[:8])
}

// String never reveals key material.
func (s SharedSecret) String() string {
	return "SharedSecret(" + s.Fingerprint() + ")"
}

// Seal encrypts plaintext under a fresh random nonce:
//
//	[version][nonce (24 bytes)][ciphertext+tag]
//
// aad is bound to the blob; Open must be given the same aad.
func (s SharedSecret) Seal(plaintext []byte, aad []byte) ([]byte, error) {
	if !s.valid {
		return nil, ErrEmptySecret
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: create cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), SealedOverhead+len(plaintext))
	out[0] = SealedVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, buildAAD(SealedVersion, aad)), nil
}

// Open authenticates and decrypts a blob produced by Seal. Every failure
// wraps protocol.ErrCrypto.
func (s SharedSecret) Open(blob []byte, aad []byte) ([]byte, error) {
	if !s.valid {
		return nil, fmt.Errorf("%w: %w", protocol.ErrCrypto, ErrEmptySecret)
	}
	if len(blob) < SealedOverhead {
		return nil, fmt.Errorf("%w: sealed blob is %d bytes, minimum is %d", protocol.ErrCrypto, len(blob), SealedOverhead)
	}
	if blob[0] != SealedVersion {
		return nil, fmt.Errorf("%w: sealed version %d not supported", protocol.ErrCrypto, blob[0])
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: create cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], buildAAD(blob[0], aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrCrypto, err)
	}
	return plaintext, nil
}

// GenerateSecret returns fresh random secret material, base64 encoded so
// it can live in a config file.
func GenerateSecret() (string, error) {
	raw := make([]byte, GeneratedSecretBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("crypt: generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func buildAAD(version byte, aad []byte) []byte {
	out := make([]byte, 1+len(aad))
	out[0] = version
	copy(out[1:], aad)
	return out
}
