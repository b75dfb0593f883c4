// Package omegacrypto implements the key agreement and payload encryption
// used on the Omikron handshake: X448 Diffie-Hellman, HKDF-SHA256 key and
// nonce derivation, AES-256-GCM.
package omegacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x448"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKeyMaterial   = errors.New("invalid key material")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// hkdfInfo fixes the derivation context. The nonce is derived alongside the
// key instead of being packed next to the ciphertext, so the wire carries
// ciphertext only. This is safe strictly because each (secret, peer) pair
// encrypts a single plaintext per session; the challenge nonce carries the
// freshness.
const hkdfInfo = "x448-aes-gcm-no-overhead"

const (
	keySize   = 32
	nonceSize = 12
)

// SecretKey is an X448 private scalar.
type SecretKey struct {
	key x448.Key
}

// PublicKey is an X448 public point.
type PublicKey struct {
	key x448.Key
}

// LoadSecretKey parses a base64-encoded X448 secret.
func LoadSecretKey(b64 string) (*SecretKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return SecretKeyFromBytes(raw)
}

func SecretKeyFromBytes(raw []byte) (*SecretKey, error) {
	if len(raw) != x448.Size {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrInvalidKeyMaterial, x448.Size, len(raw))
	}
	var sk SecretKey
	copy(sk.key[:], raw)
	return &sk, nil
}

// LoadPublicKey parses a base64-encoded X448 public key.
func LoadPublicKey(b64 string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return PublicKeyFromBytes(raw)
}

func PublicKeyFromBytes(raw []byte) (*PublicKey, error) {
	if len(raw) != x448.Size {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyMaterial, x448.Size, len(raw))
	}
	var pk PublicKey
	copy(pk.key[:], raw)
	return &pk, nil
}

// Public derives the public key for a secret.
func (sk *SecretKey) Public() *PublicKey {
	var pk PublicKey
	x448.KeyGen(&pk.key, &sk.key)
	return &pk
}

func (pk *PublicKey) Bytes() []byte {
	out := make([]byte, x448.Size)
	copy(out, pk.key[:])
	return out
}

// PublicKeyToBase64 encodes a public key the way it is stored and sent.
func PublicKeyToBase64(pk *PublicKey) string {
	return base64.StdEncoding.EncodeToString(pk.key[:])
}

// deriveCipher runs X448 DH then HKDF-SHA256 with empty salt, producing the
// AES-256 key and the deterministic GCM nonce.
func deriveCipher(ownSecret *SecretKey, peerPublic *PublicKey) (cipher.AEAD, []byte, error) {
	var shared x448.Key
	if !x448.Shared(&shared, &ownSecret.key, &peerPublic.key) {
		return nil, nil, fmt.Errorf("%w: low-order public key", ErrInvalidKeyMaterial)
	}

	okm := make([]byte, keySize+nonceSize)
	kdf := hkdf.New(sha256.New, shared[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return nil, nil, fmt.Errorf("hkdf expand: %w", err)
	}

	block, err := aes.NewCipher(okm[:keySize])
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return aead, okm[keySize:], nil
}

// Encrypt seals plaintext for the peer. The result is ciphertext plus GCM
// tag only; no key or nonce material is packed.
func Encrypt(ownSecret *SecretKey, peerPublic *PublicKey, plaintext []byte) ([]byte, error) {
	aead, nonce, err := deriveCipher(ownSecret, peerPublic)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens a payload sealed by the peer with the complementary keys.
func Decrypt(ownSecret *SecretKey, peerPublic *PublicKey, ciphertext []byte) ([]byte, error) {
	aead, nonce, err := deriveCipher(ownSecret, peerPublic)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
