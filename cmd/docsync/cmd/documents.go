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
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/logger"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
)

var putCmd = &cobra.Command{
	Use:   "put <document-path> <json>",
	Short: "Write a document and wait for the backend to acknowledge it",
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <document-path>",
	Short: "Print a document from the local cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(putCmd, getCmd)
	putCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the acknowledgement")
	putCmd.Flags().Bool("no-wait", false, "return once the write is stored locally")
}

func runPut(cmd *cobra.Command, args []string) error {
	key, err := model.ParseDocumentKey(args[0])
	if err != nil {
		return err
	}

	data, err := parseDocumentJSON(args[1])
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	noWait, _ := cmd.Flags().GetBool("no-wait")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	return withEngine(ctx, func(e *engine.Engine) error {
		pw, err := e.Commit(ctx, mutation.NewSet(key, data))
		if err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}

		log.Infow("Write stored locally", "key", key.String(), "batchID", pw.BatchID)

		if noWait {
			return nil
		}

		if err := pw.Wait(ctx); err != nil {
			return fmt.Errorf("write %d was not acknowledged: %w", pw.BatchID, err)
		}

		log.Infow("Write acknowledged", "key", key.String(), "batchID", pw.BatchID)

		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	key, err := model.ParseDocumentKey(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	return withEngine(ctx, func(e *engine.Engine) error {
		doc, err := e.GetDocument(ctx, key)
		if err != nil {
			return err
		}

		if !doc.IsFoundDocument() {
			return fmt.Errorf("document %s does not exist", key)
		}

		out, err := json.MarshalIndent(model.ToGo(doc.Data().AsValue()), "", "  ")
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		return nil
	})
}

// withEngine opens the configured engine for the length of fn.
func withEngine(ctx context.Context, fn func(e *engine.Engine) error) error {
	e, err := engine.Open(ctx, cfg, logger.For(logger.ComponentEngine))
	if err != nil {
		return err
	}

	fnErr := fn(e)

	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := e.Terminate(termCtx); err != nil && fnErr == nil {
		return err
	}

	return fnErr
}

// parseDocumentJSON decodes a JSON object into document data. Integral
// numbers become integers, everything else a double.
func parseDocumentJSON(raw string) (model.ObjectValue, error) {
	var fields map[string]any

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()

	if err := decoder.Decode(&fields); err != nil {
		return model.ObjectValue{}, fmt.Errorf("document must be a JSON object: %w", err)
	}

	converted, err := model.FieldsFromGo(normalizeNumbers(fields).(map[string]any))
	if err != nil {
		return model.ObjectValue{}, err
	}

	return model.ObjectValueFromMap(converted), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}

		f, _ := t.Float64()

		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}

		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}

		return t
	default:
		return v
	}
}
