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

// Package crypt holds the symmetric keys used
// to protect spilled blocks and the AEAD
// construction that applies them.
package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeySize is the size of EncryptionKey.Key.
	KeySize = 32
	// NonceSize is the size of EncryptionKey.Nonce,
	// the IV material mixed into every derived key.
	NonceSize = 12
)

// EncryptionKey is the key material handed out
// with a split and used for everything spilled
// while reading it.
type EncryptionKey struct {
	Key   []byte `json:"key"`
	Nonce []byte `json:"nonce"`
}

// Validate checks the key and nonce sizes.
func (k *EncryptionKey) Validate() error {
	if k == nil {
		return fmt.Errorf("nil encryption key")
	}
	if len(k.Key) != KeySize {
		return fmt.Errorf("encryption key is %d bytes; want %d", len(k.Key), KeySize)
	}
	if len(k.Nonce) != NonceSize {
		return fmt.Errorf("encryption nonce is %d bytes; want %d", len(k.Nonce), NonceSize)
	}
	return nil
}

// ID returns a short, non-secret reference to the
// key, suitable for logs and spill manifests.
func (k *EncryptionKey) ID() string {
	if k == nil {
		return ""
	}
	h, _ := blake2b.New256([]byte("blockspill key id"))
	h.Write(k.Key)
	h.Write(k.Nonce)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// String never prints key material.
func (k *EncryptionKey) String() string {
	if k == nil {
		return "EncryptionKey(none)"
	}
	return "EncryptionKey(" + k.ID() + ")"
}

// KeyFactory creates fresh keys.
type KeyFactory interface {
	Create() (*EncryptionKey, error)
}

// LocalKeyFactory generates keys from a
// random source, crypto/rand by default.
type LocalKeyFactory struct {
	Rand io.Reader
}

func (f LocalKeyFactory) Create() (*EncryptionKey, error) {
	src := f.Rand
	if src == nil {
		src = rand.Reader
	}
	k := &EncryptionKey{
		Key:   make([]byte, KeySize),
		Nonce: make([]byte, NonceSize),
	}
	if _, err := io.ReadFull(src, k.Key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if _, err := io.ReadFull(src, k.Nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return k, nil
}
