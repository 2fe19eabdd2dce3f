// Package crypto wraps AES-GCM for at-rest secret encryption and bcrypt for
// password hashing, encoding ciphertext as an "iv:tag:ciphertext" hex triple.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize  = 32
	ivSize   = 12
	tagSize  = 16
	numParts = 3
)

// ErrTamperedData is returned when the authentication tag does not verify.
var ErrTamperedData = errors.New("crypto: tampered data")

// AEAD encrypts and decrypts secret fields using AES-256-GCM, producing the
// hex(iv):hex(tag):hex(ciphertext) wire form.
type AEAD struct {
	block cipher.Block
}

// NewAEAD constructs an AEAD from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{block: block}, nil
}

// IsEncrypted reports whether s is already in the iv:tag:ciphertext hex
// triple form (exactly three colon-separated hex tokens). The ciphertext
// token may be empty, as it is for an encrypted empty string.
func IsEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != numParts {
		return false
	}
	for i, p := range parts {
		if p == "" {
			if i == numParts-1 {
				continue
			}
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// EncryptString encrypts plaintext and returns the hex triple wire form.
func (a *AEAD) EncryptString(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(a.block, tagSize)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// DecryptToString reverses EncryptString. A tag mismatch or malformed wire
// form surfaces as ErrTamperedData.
func (a *AEAD) DecryptToString(wire string) (string, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != numParts {
		return "", ErrTamperedData
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrTamperedData
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrTamperedData
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrTamperedData
	}
	gcm, err := cipher.NewGCMWithTagSize(a.block, tagSize)
	if err != nil {
		return "", err
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrTamperedData
	}
	return string(plaintext), nil
}
