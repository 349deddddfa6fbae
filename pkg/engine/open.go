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

package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/config"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/logger"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/memory"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/sqlite"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

// Open builds the persistence and connection cfg asks for and starts an
// engine over them.
func Open(ctx context.Context, cfg config.FullConfig, log *zap.SugaredLogger) (*Engine, error) {
	p, err := OpenPersistence(cfg.Store, log)
	if err != nil {
		return nil, err
	}

	var conn remote.Connection
	if cfg.Remote.URL != "" {
		conn = remote.NewWebSocketConnection(remote.WebSocketConfig{
			URL:              cfg.Remote.URL,
			PingInterval:     cfg.Timeouts.Ping,
			WriteTimeout:     cfg.Timeouts.Write,
			HandshakeTimeout: cfg.Timeouts.Handshake,
		}, log.Named(logger.ComponentConnection))
	} else {
		log.Infow("No remote URL configured, running offline")
	}

	return New(ctx, cfg, p, conn, log)
}

// OpenPersistence returns the backend selected by cfg, not yet started.
func OpenPersistence(cfg config.StoreConfig, log *zap.SugaredLogger) (persistence.Persistence, error) {
	plog := log.Named(logger.ComponentPersistence)

	switch cfg.Kind {
	case config.StoreMemory:
		return memory.New(plog), nil
	case config.StoreSQLite:
		p, err := sqlite.Open(cfg.Path, plog)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store at %s: %w", cfg.Path, err)
		}

		return p, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
