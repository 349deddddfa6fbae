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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DOCSYNC_REMOTE_URL.
const EnvPrefix = "DOCSYNC"

// Load reads the configuration. Precedence is environment, then the file at
// path (optional), then DefaultConfig. The result is validated.
func Load(path string) (FullConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg FullConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key of d, so AutomaticEnv can override keys
// that no file mentions.
func setDefaults(v *viper.Viper, d FullConfig) {
	v.SetDefault("database.projectId", d.Database.ProjectID)
	v.SetDefault("database.databaseId", d.Database.DatabaseID)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("store.kind", string(d.Store.Kind))
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("gc.cacheSizeThreshold", d.GC.CacheSizeThreshold)
	v.SetDefault("gc.percentileToCollect", d.GC.PercentileToCollect)
	v.SetDefault("gc.maxSequenceNumbers", d.GC.MaxSequenceNumbers)
	v.SetDefault("gc.initialDelay", d.GC.InitialDelay)
	v.SetDefault("gc.interval", d.GC.Interval)
	v.SetDefault("sync.maxConcurrentLimboResolutions", d.Sync.MaxConcurrentLimboResolutions)
	v.SetDefault("sync.maxPendingWrites", d.Sync.MaxPendingWrites)
	v.SetDefault("backoff.initialDelay", d.Backoff.InitialDelay)
	v.SetDefault("backoff.maxDelay", d.Backoff.MaxDelay)
	v.SetDefault("backoff.factor", d.Backoff.Factor)
	v.SetDefault("backoff.jitter", d.Backoff.Jitter)
	v.SetDefault("timeouts.streamIdle", d.Timeouts.StreamIdle)
	v.SetDefault("timeouts.streamHealthy", d.Timeouts.StreamHealthy)
	v.SetDefault("timeouts.onlineState", d.Timeouts.OnlineState)
	v.SetDefault("timeouts.ping", d.Timeouts.Ping)
	v.SetDefault("timeouts.write", d.Timeouts.Write)
	v.SetDefault("timeouts.handshake", d.Timeouts.Handshake)
	v.SetDefault("admin.address", d.Admin.Address)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("sentry.dsn", d.Sentry.DSN)
}

// Write stores cfg as YAML at path, creating parent directories. The file is
// written to a temporary name first and renamed into place.
func Write(path string, cfg FullConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to replace config: %w", err)
	}

	return nil
}
