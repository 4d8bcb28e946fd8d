// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets implements the encrypted secrets vault: values are sealed
// with AES-256-GCM under a key derived from the server secret, stored as
// opaque blobs, and only ever decrypted on their way to a task that declared
// them.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Packed blob layout: salt || nonce || tag || ciphertext.
const (
	saltSize  = 32
	nonceSize = 16
	tagSize   = 16
	keySize   = 32
	// pbkdf2Iterations matches the stored-blob format; changing it breaks
	// decryption of existing secrets.
	pbkdf2Iterations = 1_000_000
)

// Cipher seals and opens secret values under a passphrase-derived key. Each
// value gets a fresh salt and nonce, so equal plaintexts never produce equal
// blobs.
type Cipher struct {
	passphrase []byte
}

// NewCipher creates a cipher from the server's encryption key material.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secrets: encryption key must not be empty")
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext into a packed blob.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the packed layout wants it
	// in front, so split and reorder.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	if len(sealed) < tagSize {
		return nil, fmt.Errorf("sealed value too short")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+tagSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt opens a packed blob.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize+tagSize {
		return nil, fmt.Errorf("encrypted value too short: %d bytes", len(blob))
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	tag := blob[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ciphertext := blob[saltSize+nonceSize+tagSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// aead derives the per-blob key and builds the GCM instance.
func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
