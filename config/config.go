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

// Package config loads the YAML (or JSON)
// file that describes a blockspill deployment.
package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/SnellerInc/blockspill/connector"
	"github.com/SnellerInc/blockspill/connector/sqlite"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/SnellerInc/blockspill/split"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"
)

// Config is the root of a configuration file.
type Config struct {
	// Spill holds the spill settings shared
	// by every read; see spill.Config.
	Spill spill.Config `json:"spill"`
	Store Store        `json:"store"`
	// Planner controls how scans are split.
	Planner Planner `json:"planner"`
	// AllocatorLimit is the memory ceiling of
	// one read; 0 selects a share of physical memory.
	AllocatorLimit int64              `json:"allocatorLimit,omitempty"`
	Catalogs       map[string]Catalog `json:"catalogs"`
	Log            Log                `json:"log"`
}

// Store selects where spilled blocks go.
type Store struct {
	// Type is one of "dir", "s3" or "memory".
	Type string          `json:"type"`
	Dir  string          `json:"dir,omitempty"`
	S3   spill.S3Options `json:"s3,omitempty"`
}

type Planner struct {
	RowsPerSplit     int64 `json:"rowsPerSplit,omitempty"`
	MaxSplitsPerPage int   `json:"maxSplitsPerPage,omitempty"`
	// TokenKey is the hex-encoded 16-byte key that
	// signs split continuation tokens. Without one a
	// random key is used and tokens do not survive
	// a restart.
	TokenKey string `json:"tokenKey,omitempty"`
	// Encrypt assigns every split its own key.
	Encrypt bool `json:"encrypt,omitempty"`
	// Location assigns every split its own
	// spill directory under it.
	Location *spill.Location `json:"location,omitempty"`
}

// Catalog describes one data source.
type Catalog struct {
	// Type is the connector kind; only
	// "sqlite" is built in.
	Type string `json:"type"`
	DSN  string `json:"dsn"`
}

type Log struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML or JSON document.
// Unknown fields are rejected.
func Parse(buf []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the parts of c that can be
// checked without opening anything.
func (c *Config) Validate() error {
	check := c.Spill.WithDefaults()
	check.RequestID = "validate"
	if err := check.Validate(); err != nil {
		return err
	}
	switch c.Store.Type {
	case "memory":
	case "dir":
		if c.Store.Dir == "" {
			return fmt.Errorf("store: dir store needs a dir")
		}
	case "s3":
		if c.Store.S3.Region == "" {
			return fmt.Errorf("store: s3 store needs a region")
		}
	default:
		return fmt.Errorf("store: unknown type %q", c.Store.Type)
	}
	if c.Planner.TokenKey != "" {
		if _, err := c.tokenKey(); err != nil {
			return err
		}
	}
	for name, cat := range c.Catalogs {
		if cat.Type != "sqlite" {
			return fmt.Errorf("catalog %s: unknown type %q", name, cat.Type)
		}
		if cat.DSN == "" {
			return fmt.Errorf("catalog %s: empty dsn", name)
		}
	}
	return nil
}

func (c *Config) tokenKey() ([16]byte, error) {
	var key [16]byte
	if c.Planner.TokenKey == "" {
		_, err := rand.Read(key[:])
		return key, err
	}
	raw, err := hex.DecodeString(c.Planner.TokenKey)
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("planner: tokenKey must be %d hex-encoded bytes", len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// Logger builds the configured logger.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Log.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Log.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// OpenStore opens the configured spill store.
func (c *Config) OpenStore(ctx context.Context, logger *zap.Logger) (spill.Store, error) {
	switch c.Store.Type {
	case "dir":
		return spill.NewDirStore(c.Store.Dir, logger), nil
	case "s3":
		return spill.NewS3Store(ctx, &c.Store.S3, logger)
	case "memory":
		return &spill.MemStore{}, nil
	}
	return nil, fmt.Errorf("store: unknown type %q", c.Store.Type)
}

// NewPlanner builds the split planner.
func (c *Config) NewPlanner(logger *zap.Logger) (*split.Planner, error) {
	if c.Planner.TokenKey == "" {
		logger.Warn("no planner token key configured; split tokens will not survive a restart")
	}
	key, err := c.tokenKey()
	if err != nil {
		return nil, err
	}
	p := &split.Planner{
		RowsPerSplit:     c.Planner.RowsPerSplit,
		MaxSplitsPerPage: c.Planner.MaxSplitsPerPage,
		TokenKey:         key,
	}
	if c.Planner.Encrypt {
		p.Keys = crypt.LocalKeyFactory{}
	}
	if c.Planner.Location != nil {
		p.Location = *c.Planner.Location
	}
	return p, nil
}

// Service is a connector.Service together with
// the resources it holds open.
type Service struct {
	*connector.Service
	closers []func() error
}

// Close closes every opened catalog.
func (s *Service) Close() error {
	var err error
	for _, fn := range s.closers {
		err = multierr.Append(err, fn())
	}
	return err
}

// Catalog returns the sqlite connector of
// catalog name, if that is what it is.
func (s *Service) Catalog(name string) (*sqlite.Connector, bool) {
	c, err := s.Registry.Lookup(name)
	if err != nil {
		return nil, false
	}
	lite, ok := c.(*sqlite.Connector)
	return lite, ok
}

// Open builds a Service with every catalog
// registered. reg, if non-nil, receives the
// spill metrics.
func (c *Config) Open(ctx context.Context, logger *zap.Logger, reg prometheus.Registerer) (*Service, error) {
	store, err := c.OpenStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	planner, err := c.NewPlanner(logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{Service: &connector.Service{
		Registry:       connector.NewRegistry(),
		Store:          store,
		Spill:          c.Spill,
		AllocatorLimit: c.AllocatorLimit,
		Logger:         logger,
		Metrics:        spill.NewMetrics(reg),
	}}
	if c.Planner.Encrypt {
		svc.Keys = crypt.LocalKeyFactory{}
	}
	for name, cat := range c.Catalogs {
		lite, err := sqlite.Open(cat.DSN, planner, logger.With(zap.String("catalog", name)))
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("catalog %s: %w", name, err)
		}
		svc.closers = append(svc.closers, lite.Close)
		if err := svc.Registry.Register(name, lite); err != nil {
			svc.Close()
			return nil, err
		}
	}
	return svc, nil
}
