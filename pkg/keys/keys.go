// Package keys derives identity hashes, encrypts relationship payloads and
// generates verification tokens.
package keys

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 1000
	hashKeyLen     = 32
	tokenBytes     = 32
	nonceLen       = 24
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the secret
var ErrDecrypt = errors.New("unable to decrypt payload")

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// Hash returns a deterministic hex digest of the input: PBKDF2-HMAC-SHA1
// salted with the reversed input.
func Hash(input string) string {
	key := pbkdf2.Key([]byte(input), []byte(reverse(input)), hashIterations, hashKeyLen, sha1.New)
	return hex.EncodeToString(key)
}

func secretKey(secret string) *[32]byte {
	var k [32]byte
	copy(k[:], pbkdf2.Key([]byte(secret), []byte(reverse(secret)), hashIterations, 32, sha256.New))
	return &k
}

// Encrypt seals plaintext under a key derived from secret
func Encrypt(plaintext, secret string) (string, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, secretKey(secret))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same secret
func Decrypt(ciphertext, secret string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceLen+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])
	out, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, secretKey(secret))
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// NewToken returns 64 lowercase hex characters from a secure random source
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
