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

package spill

import (
	"fmt"
	"time"

	"github.com/SnellerInc/blockspill/compr"
	"github.com/SnellerInc/blockspill/crypt"
	"golang.org/x/exp/slices"
)

const (
	DefaultMaxBlockBytes       = 16 << 20
	DefaultMaxInlineBlockBytes = 5 << 20
	DefaultCompression         = "zstd"
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 50 * time.Millisecond
)

// Config controls one Spiller. It is treated as
// immutable once passed to NewSpiller.
type Config struct {
	// EncryptionKey protects spilled payloads.
	// A nil key writes them in the clear.
	EncryptionKey *crypt.EncryptionKey `json:"encryptionKey,omitempty"`
	// MaxBlockBytes is the encoded size
	// at which a Block is sealed.
	MaxBlockBytes int `json:"maxBlockBytes"`
	// MaxInlineBlockBytes is the largest final Block
	// returned in memory instead of being spilled.
	MaxInlineBlockBytes int `json:"maxInlineBlockBytes"`
	// NumSpillThreads is the size of the spill
	// pool; 0 spills synchronously.
	NumSpillThreads int `json:"numSpillThreads"`
	// RequestID groups the objects of one scan.
	RequestID string `json:"requestId"`
	// Location is the directory spilled
	// objects are written under.
	Location Location `json:"spillLocation"`

	Compression string          `json:"compression,omitempty"`
	Algorithm   crypt.Algorithm `json:"algorithm,omitempty"`
	// MaxRetries bounds retries of transient storage
	// errors per Block; 0 selects DefaultMaxRetries
	// and a negative value disables retries.
	MaxRetries int           `json:"maxRetries,omitempty"`
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
}

// WithDefaults fills in unset optional fields.
func (c Config) WithDefaults() Config {
	if c.MaxBlockBytes == 0 {
		c.MaxBlockBytes = DefaultMaxBlockBytes
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.Algorithm == "" {
		c.Algorithm = crypt.Default
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Validate checks c after defaults are applied.
func (c *Config) Validate() error {
	if c.RequestID == "" {
		return fmt.Errorf("spill config: empty request id")
	}
	if c.Location.Bucket == "" || !c.Location.Directory {
		return fmt.Errorf("spill config: location %s must be a directory", c.Location)
	}
	if c.MaxBlockBytes <= 0 {
		return fmt.Errorf("spill config: maxBlockBytes %d must be positive", c.MaxBlockBytes)
	}
	if c.MaxInlineBlockBytes < 0 {
		return fmt.Errorf("spill config: maxInlineBlockBytes %d is negative", c.MaxInlineBlockBytes)
	}
	if c.NumSpillThreads < 0 {
		return fmt.Errorf("spill config: numSpillThreads %d is negative", c.NumSpillThreads)
	}
	if !slices.Contains(compr.Names, c.Compression) {
		return fmt.Errorf("spill config: unknown compression %q", c.Compression)
	}
	if _, err := crypt.ParseAlgorithm(string(c.Algorithm)); err != nil {
		return fmt.Errorf("spill config: %w", err)
	}
	if c.EncryptionKey != nil {
		if err := c.EncryptionKey.Validate(); err != nil {
			return fmt.Errorf("spill config: %w", err)
		}
	}
	return nil
}
