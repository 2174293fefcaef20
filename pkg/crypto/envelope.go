// Copyright 2025 Kadir Pekel
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

// Package crypto implements the AES-256-GCM envelope used for stored
// notebook content. The wire format is base64(IV || TAG || CIPHERTEXT)
// with a 12-byte IV and 16-byte tag, and the key is SHA-256(password).
// The same layout is produced and consumed by the web frontend.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// EncryptionType mirrors the Encryption enum in the database schema.
type EncryptionType string

const (
	NotEncrypted       EncryptionType = "NotEncrypted"
	Encrypted          EncryptionType = "Encrypted"
	AdvancedEncryption EncryptionType = "AdvancedEncryption"
)

// DecryptFailedSentinel is returned instead of an error when a stored
// row cannot be decrypted, so one corrupt row does not abort a pipeline.
const DecryptFailedSentinel = "Decryption Failed (Wrong Password or Corrupt Token)"

const (
	ivSize  = 12
	tagSize = 16
)

// ErrKeyRequired is returned when encryption is enabled without a key.
var ErrKeyRequired = fmt.Errorf("encryption key is required when encryption is enabled")

// Key derives a 32-byte AES key from an arbitrary password.
func Key(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// Encrypt seals data under a password-derived key.
func Encrypt(data, password string) (string, error) {
	block, err := aes.NewCipher(Key(password))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Go appends the tag to the ciphertext; the stored layout wants
	// IV || TAG || CIPHERTEXT to match the frontend.
	sealed := gcm.Seal(nil, iv, []byte(data), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a token sealed by Encrypt. On any failure it returns
// DecryptFailedSentinel rather than an error.
func Decrypt(token, password string) string {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(data) < ivSize+tagSize {
		return DecryptFailedSentinel
	}

	iv := data[:ivSize]
	tag := data[ivSize : ivSize+tagSize]
	ciphertext := data[ivSize+tagSize:]

	block, err := aes.NewCipher(Key(password))
	if err != nil {
		return DecryptFailedSentinel
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return DecryptFailedSentinel
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return DecryptFailedSentinel
	}

	return string(plaintext)
}

// Codec binds an encryption type and key so callers can encrypt and
// decrypt without re-checking the mode at every site.
type Codec struct {
	Type EncryptionType
	Key  string
}

// NewCodec validates the type/key combination.
func NewCodec(encType EncryptionType, key string) (*Codec, error) {
	switch encType {
	case NotEncrypted, Encrypted, AdvancedEncryption:
	default:
		return nil, fmt.Errorf("invalid encryption type: %q", encType)
	}
	if encType != NotEncrypted && key == "" {
		return nil, ErrKeyRequired
	}
	return &Codec{Type: encType, Key: key}, nil
}

// Enabled reports whether stored content is ciphertext at all.
func (c *Codec) Enabled() bool {
	return c.Type != NotEncrypted
}

// Advanced reports whether child chunk content is also ciphertext.
func (c *Codec) Advanced() bool {
	return c.Type == AdvancedEncryption
}

// EncryptIfEnabled seals data when encryption is on, else passes it through.
func (c *Codec) EncryptIfEnabled(data string) (string, error) {
	if !c.Enabled() {
		return data, nil
	}
	return Encrypt(data, c.Key)
}

// DecryptIfEnabled opens data when encryption is on, else passes it through.
func (c *Codec) DecryptIfEnabled(data string) string {
	if !c.Enabled() {
		return data
	}
	return Decrypt(data, c.Key)
}
