// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// encPrefix marks an encrypted secret in the user directory.
	encPrefix = "enc:"

	// Fixed application-specific HKDF parameters binding derived keys
	// to broker-credential encryption.
	credentialSalt = "floragate-broker-credentials"
	credentialInfo = "credential-encryption-v1"

	aesKeySize   = 32
	gcmNonceSize = 12
)

var (
	// ErrEmptyKey is returned when no credential key is configured.
	ErrEmptyKey = errors.New("credential key cannot be empty")

	// ErrDecryptionFailed is returned for tampered or mismatched ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidCiphertext is returned for malformed ciphertext input.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor protects stored broker secrets with AES-256-GCM. The AES
// key is derived from the configured credential key via HKDF-SHA256 so
// ciphertexts are bound to this deployment.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the AES key and prepares the cipher.
func NewEncryptor(credentialKey string) (*Encryptor, error) {
	if credentialKey == "" {
		return nil, ErrEmptyKey
	}

	reader := hkdf.New(sha256.New, []byte(credentialKey), []byte(credentialSalt), []byte(credentialInfo))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt returns "enc:" + base64(nonce || ciphertext || tag).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It accepts input with or without the
// "enc:" prefix.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimPrefix(ciphertext, encPrefix)
	if ciphertext == "" {
		return "", ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCiphertext, err.Error())
	}
	if len(data) < gcmNonceSize+1+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}

	plain, err := e.aead.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// MaskSecret renders a secret for log output, keeping only the last
// four characters.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
