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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one garbage collection pass over the local store",
	Long:  `gc opens the configured store without connecting to the backend and removes the least recently used targets and documents once the cache is over its size threshold.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Collection never needs the network.
		cfg.Remote.URL = ""

		ctx := cmd.Context()

		return withEngine(ctx, func(e *engine.Engine) error {
			results, err := e.CollectGarbage(ctx)
			if err != nil {
				return fmt.Errorf("garbage collection failed: %w", err)
			}

			if !results.DidRun {
				fmt.Fprintln(cmd.OutOrStdout(), "cache below threshold, nothing collected")

				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "collected %d sequence numbers: removed %d targets and %d documents\n",
				results.SequenceNumbersCollected, results.TargetsRemoved, results.DocumentsRemoved)

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
