// Copyright 2025 UMH Systems GmbH
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

// Package config loads the engine configuration from defaults, an optional
// YAML file and DOCSYNC_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/backoff"
)

// StoreKind selects the persistence backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQLite StoreKind = "sqlite"
)

// GCThresholdDisabled turns LRU garbage collection off.
const GCThresholdDisabled int64 = -1

// FullConfig is everything docsync reads at startup. Changes need a restart.
type FullConfig struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Remote   RemoteConfig   `yaml:"remote" mapstructure:"remote"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	GC       GCConfig       `yaml:"gc" mapstructure:"gc"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Backoff  backoff.Config `yaml:"backoff" mapstructure:"backoff"`
	Timeouts TimeoutConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	Admin    AdminConfig    `yaml:"admin" mapstructure:"admin"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Sentry   SentryConfig   `yaml:"sentry,omitempty" mapstructure:"sentry"`
}

// DatabaseConfig names the remote database. Together they prefix every
// document name sent on the wire.
type DatabaseConfig struct {
	ProjectID  string `yaml:"projectId" mapstructure:"projectId"`
	DatabaseID string `yaml:"databaseId" mapstructure:"databaseId"`
}

type RemoteConfig struct {
	// URL is the websocket endpoint. Empty runs the engine offline.
	URL string `yaml:"url" mapstructure:"url"`
}

type StoreConfig struct {
	Kind StoreKind `yaml:"kind" mapstructure:"kind"`
	Path string    `yaml:"path" mapstructure:"path"`
}

// GCConfig holds the LRU collection parameters.
type GCConfig struct {
	// CacheSizeThreshold in bytes. GCThresholdDisabled turns collection off.
	CacheSizeThreshold  int64         `yaml:"cacheSizeThreshold" mapstructure:"cacheSizeThreshold"`
	PercentileToCollect int           `yaml:"percentileToCollect" mapstructure:"percentileToCollect"`
	MaxSequenceNumbers  int           `yaml:"maxSequenceNumbers" mapstructure:"maxSequenceNumbers"`
	InitialDelay        time.Duration `yaml:"initialDelay" mapstructure:"initialDelay"`
	Interval            time.Duration `yaml:"interval" mapstructure:"interval"`
}

type SyncConfig struct {
	MaxConcurrentLimboResolutions int `yaml:"maxConcurrentLimboResolutions" mapstructure:"maxConcurrentLimboResolutions"`
	MaxPendingWrites              int `yaml:"maxPendingWrites" mapstructure:"maxPendingWrites"`
}

type TimeoutConfig struct {
	StreamIdle    time.Duration `yaml:"streamIdle" mapstructure:"streamIdle"`
	StreamHealthy time.Duration `yaml:"streamHealthy" mapstructure:"streamHealthy"`
	OnlineState   time.Duration `yaml:"onlineState" mapstructure:"onlineState"`
	Ping          time.Duration `yaml:"ping" mapstructure:"ping"`
	Write         time.Duration `yaml:"write" mapstructure:"write"`
	Handshake     time.Duration `yaml:"handshake" mapstructure:"handshake"`
}

type AdminConfig struct {
	// Address to serve /metrics, /status and /healthz on. Empty disables it.
	Address string `yaml:"address" mapstructure:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() FullConfig {
	return FullConfig{
		Database: DatabaseConfig{ProjectID: "local", DatabaseID: "(default)"},
		Store:    StoreConfig{Kind: StoreSQLite, Path: "./docsync.db"},
		GC: GCConfig{
			CacheSizeThreshold:  40 * 1024 * 1024,
			PercentileToCollect: 10,
			MaxSequenceNumbers:  1000,
			InitialDelay:        time.Minute,
			Interval:            5 * time.Minute,
		},
		Sync: SyncConfig{
			MaxConcurrentLimboResolutions: 100,
			MaxPendingWrites:              10,
		},
		Backoff: backoff.DefaultConfig(),
		Timeouts: TimeoutConfig{
			StreamIdle:    60 * time.Second,
			StreamHealthy: 10 * time.Second,
			OnlineState:   10 * time.Second,
			Ping:          30 * time.Second,
			Write:         10 * time.Second,
			Handshake:     10 * time.Second,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "CONSOLE"},
	}
}

// Clone returns a deep copy of c.
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	if err := deepcopy.Copy(&clone, &c); err != nil {
		// Only plain data lives in FullConfig, so Copy cannot fail.
		panic(fmt.Sprintf("config: clone failed: %v", err))
	}

	return clone
}

// Validate checks value ranges and cross-field rules.
func (c FullConfig) Validate() error {
	var errs []error

	if c.Database.ProjectID == "" || c.Database.DatabaseID == "" {
		errs = append(errs, errors.New("database.projectId and database.databaseId must be set"))
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path must be set for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Kind))
	}

	if c.GC.CacheSizeThreshold != GCThresholdDisabled && c.GC.CacheSizeThreshold < 1024*1024 {
		errs = append(errs, fmt.Errorf("gc.cacheSizeThreshold must be at least 1 MiB or %d, got %d", GCThresholdDisabled, c.GC.CacheSizeThreshold))
	}

	if c.GC.PercentileToCollect <= 0 || c.GC.PercentileToCollect > 100 {
		errs = append(errs, fmt.Errorf("gc.percentileToCollect must be between 1 and 100, got %d", c.GC.PercentileToCollect))
	}

	if c.GC.MaxSequenceNumbers <= 0 {
		errs = append(errs, fmt.Errorf("gc.maxSequenceNumbers must be positive, got %d", c.GC.MaxSequenceNumbers))
	}

	if c.GC.Interval <= 0 || c.GC.InitialDelay < 0 {
		errs = append(errs, errors.New("gc.interval must be positive and gc.initialDelay not negative"))
	}

	if c.Sync.MaxConcurrentLimboResolutions <= 0 {
		errs = append(errs, fmt.Errorf("sync.maxConcurrentLimboResolutions must be positive, got %d", c.Sync.MaxConcurrentLimboResolutions))
	}

	if c.Sync.MaxPendingWrites <= 0 {
		errs = append(errs, fmt.Errorf("sync.maxPendingWrites must be positive, got %d", c.Sync.MaxPendingWrites))
	}

	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		errs = append(errs, errors.New("backoff.initialDelay must be positive and not above backoff.maxDelay"))
	}

	if c.Backoff.Factor < 1 || c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, errors.New("backoff.factor must be at least 1 and backoff.jitter between 0 and 1"))
	}

	t := c.Timeouts
	if t.StreamIdle <= 0 || t.StreamHealthy <= 0 || t.OnlineState <= 0 || t.Ping <= 0 || t.Write <= 0 || t.Handshake <= 0 {
		errs = append(errs, errors.New("all timeouts must be positive"))
	}

	return errors.Join(errs...)
}
