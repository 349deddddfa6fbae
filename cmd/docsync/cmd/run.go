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

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/admin"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/logger"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/sentry"
)

// shutdownTimeout bounds engine termination and admin server shutdown.
const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine, listen to collections and serve the admin endpoints",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSlice("listen", nil, "collection paths to listen to, e.g. rooms or rooms/a/messages")
	runCmd.Flags().Bool("include-metadata", false, "also log snapshots that only change metadata")
	runCmd.Flags().String("admin", "", "admin listen address, overrides admin.address")
}

func runEngine(cmd *cobra.Command, _ []string) error {
	collections, _ := cmd.Flags().GetStringSlice("listen")
	includeMetadata, _ := cmd.Flags().GetBool("include-metadata")

	if cmd.Flags().Changed("admin") {
		cfg.Admin.Address, _ = cmd.Flags().GetString("admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(ctx, cfg, logger.For(logger.ComponentEngine))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open engine: %v", err)

		return err
	}

	for _, path := range collections {
		if err := listenAndLog(ctx, e, path, includeMetadata); err != nil {
			_ = e.Terminate(context.Background())

			return err
		}
	}

	var adminServer *admin.Server
	if cfg.Admin.Address != "" {
		adminServer = admin.Start(cfg.Admin.Address, e, logger.For(logger.ComponentAdmin))
	} else {
		log.Info("Admin server disabled")
	}

	log.Infow("docsync running", "version", Version, "engine", e.ID(), "collections", collections)

	<-ctx.Done()

	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown admin server: %v", err)
		}
	}

	if err := e.Terminate(shutdownCtx); err != nil {
		return fmt.Errorf("failed to terminate engine: %w", err)
	}

	log.Info("docsync stopped")

	return nil
}

func listenAndLog(ctx context.Context, e *engine.Engine, path string, includeMetadata bool) error {
	collection, err := model.ParseResourcePath(path)
	if err != nil {
		return fmt.Errorf("invalid collection %q: %w", path, err)
	}

	q := query.NewCollectionQuery(collection)
	snapLog := log.With("query", q.String())

	_, err = e.Listen(ctx, q, core.ListenOptions{IncludeMetadataChanges: includeMetadata}, core.ObserverFuncs{
		Snapshot: func(snap *core.ViewSnapshot) {
			snapLog.Infow("Snapshot",
				"documents", snap.Docs.Len(),
				"changes", len(snap.DocChanges),
				"fromCache", snap.FromCache,
				"pendingWrites", snap.HasPendingWrites())

			for _, change := range snap.DocChanges {
				snapLog.Debugw("Document change", "type", change.Type.String(), "key", change.Doc.Key().String())
			}
		},
		Error: func(err error) {
			sentry.ReportIssue(err, sentry.IssueTypeWarning, snapLog)
		},
	})

	return err
}
