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

// Package sqlite provides a durable persistence.Persistence backed by a
// single SQLite database file in WAL mode.
//
// # Storage Layout
//
// Each cache owns its tables (see migrations/). Documents, batches, overlays
// and target data are stored as JSON blobs, compressed with zstd once they
// pass a size threshold. Columns next to the blob hold whatever the queries
// filter on.
//
// # Transactions
//
// Every persistence.Transaction is one SQLite transaction. A failing fn rolls
// back everything it wrote. The pool holds a single connection, so
// transactions never interleave.
//
// # Filesystem Requirements
//
// WAL mode needs shared memory between processes, which network filesystems
// do not provide. Open refuses such paths.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// Persistence is the SQLite backend.
type Persistence struct {
	db      *sqlx.DB
	queries *queries
	path    string

	mu      sync.Mutex
	started bool
	seq     *persistence.ListenSequence

	remoteDocuments *remoteDocumentCache
	mutations       *mutationQueue
	overlays        *overlayCache
	targets         *targetCache
	index           *indexManager

	logger *zap.SugaredLogger
}

var _ persistence.Persistence = (*Persistence)(nil)

// Open opens (or creates) the database at dbPath. Schema migrations run in
// Start.
func Open(dbPath string, logger *zap.SugaredLogger) (*Persistence, error) {
	if logger == nil {
		panic("sqlite.Open: logger must not be nil")
	}

	if err := checkFilesystem(dbPath); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	q, err := loadQueries()
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Persistence{
		db:              db,
		queries:         q,
		path:            dbPath,
		remoteDocuments: &remoteDocumentCache{queries: q},
		mutations:       &mutationQueue{queries: q},
		overlays:        &overlayCache{queries: q},
		targets:         &targetCache{queries: q},
		index:           &indexManager{queries: q},
		logger:          logger,
	}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

// Start migrates the schema and seeds the listen sequence from the highest
// sequence number on disk.
func (p *Persistence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	if err := migrateUp(p.db); err != nil {
		return persistence.Wrap("migrate schema", err)
	}

	var globals targetGlobals

	query, err := p.queries.raw("get-target-globals")
	if err != nil {
		return persistence.Wrap("load target globals", err)
	}

	if err := p.db.GetContext(ctx, &globals, query); err != nil {
		return persistence.Wrap("load target globals", err)
	}

	p.seq = persistence.NewListenSequence(globals.HighestSequenceNumber)
	p.started = true

	p.logger.Infow("SQLite persistence started",
		"path", p.path,
		"highestSequenceNumber", globals.HighestSequenceNumber,
		"highestTargetID", globals.HighestTargetID)

	return nil
}

// Shutdown closes the database. The backend cannot be started again.
func (p *Persistence) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = false

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func (p *Persistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

func (p *Persistence) MutationQueue() persistence.MutationQueue             { return p.mutations }
func (p *Persistence) TargetCache() persistence.TargetCache                 { return p.targets }
func (p *Persistence) RemoteDocumentCache() persistence.RemoteDocumentCache { return p.remoteDocuments }
func (p *Persistence) DocumentOverlayCache() persistence.DocumentOverlayCache {
	return p.overlays
}
func (p *Persistence) IndexManager() persistence.IndexManager { return p.index }

func (p *Persistence) RunTransaction(ctx context.Context, action string, mode persistence.TxnMode,
	fn func(txn persistence.Transaction) error) error {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()

		return persistence.Wrap(action, errors.New("persistence is not started"))
	}

	seq := persistence.ListenSequenceInvalid
	if mode == persistence.ReadWrite {
		seq = p.seq.Next()
	}
	p.mu.Unlock()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistence.Wrap(action, fmt.Errorf("failed to begin transaction: %w", err))
	}

	t := &transaction{ctx: ctx, tx: tx, seq: seq}

	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Warnw("Rollback failed", "action", action, "error", rbErr)
		}

		p.logger.Debugw("Transaction failed", "action", action, "error", err)

		return err
	}

	if mode == persistence.ReadWrite {
		if _, err := p.queries.exec(tx, "raise-highest-sequence-number", seq); err != nil {
			_ = tx.Rollback()

			return persistence.Wrap(action, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistence.Wrap(action, fmt.Errorf("failed to commit transaction: %w", err))
	}

	for _, listener := range t.listeners {
		listener()
	}

	return nil
}

type transaction struct {
	ctx       context.Context
	tx        *sqlx.Tx
	seq       persistence.ListenSequenceNumber
	listeners []func()
}

func (t *transaction) Context() context.Context { return t.ctx }

func (t *transaction) CurrentSequenceNumber() persistence.ListenSequenceNumber { return t.seq }

func (t *transaction) AddOnCommittedListener(fn func()) {
	t.listeners = append(t.listeners, fn)
}

// sqlTx returns the SQLite transaction behind txn. Mixing backends is a
// programming error.
func sqlTx(txn persistence.Transaction) *sqlx.Tx {
	t, ok := txn.(*transaction)
	if !ok {
		panic(fmt.Sprintf("sqlite: foreign transaction type %T", txn))
	}

	return t.tx
}
