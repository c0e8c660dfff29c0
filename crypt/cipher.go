// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AESGCM   Algorithm = "aes-gcm"
	XChaCha  Algorithm = "xchacha20-poly1305"
	Default            = AESGCM
)

// ParseAlgorithm accepts the algorithm names
// above; the empty string selects Default.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "":
		return Default, nil
	case AESGCM, XChaCha:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unknown encryption algorithm %q", s)
}

// Cipher seals and opens payloads with one
// EncryptionKey.
//
// Every payload is sealed with a subkey derived
// (HKDF-SHA256, salted with the key's nonce) from the
// context string, usually the object path, so a
// payload copied to another path does not open. The
// AEAD nonce is random and prepended to the output.
type Cipher struct {
	alg  Algorithm
	key  *EncryptionKey
	Rand io.Reader
}

// NewCipher validates key and returns a Cipher.
func NewCipher(alg Algorithm, key *EncryptionKey) (*Cipher, error) {
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return nil, err
	}
	if alg == "" {
		alg = Default
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Cipher{alg: alg, key: key}, nil
}

// Algorithm returns the AEAD in use.
func (c *Cipher) Algorithm() Algorithm { return c.alg }

func (c *Cipher) aead(context string) (cipher.AEAD, error) {
	sub := make([]byte, 32)
	r := hkdf.New(sha256.New, c.key.Key, c.key.Nonce, []byte(context))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	switch c.alg {
	case XChaCha:
		return chacha20poly1305.NewX(sub)
	default:
		blk, err := aes.NewCipher(sub)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(blk)
	}
}

// Seal appends nonce||ciphertext to dst.
func (c *Cipher) Seal(dst []byte, context string, plaintext, aad []byte) ([]byte, error) {
	aead, err := c.aead(context)
	if err != nil {
		return nil, err
	}
	src := c.Rand
	if src == nil {
		src = rand.Reader
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(src, nonce); err != nil {
		return nil, err
	}
	dst = append(dst, nonce...)
	return aead.Seal(dst, nonce, plaintext, aad), nil
}

// Open reverses Seal. It fails if the payload,
// the context or aad were modified.
func (c *Cipher) Open(context string, sealed, aad []byte) ([]byte, error) {
	aead, err := c.aead(context)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("decrypt: payload of %d bytes is too short", len(sealed))
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return out, nil
}
