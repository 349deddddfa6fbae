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

package remote

import (
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// WatchStreamListener receives watch stream events on the async queue.
type WatchStreamListener interface {
	OnWatchStreamOpen() error
	OnWatchStreamClose(err error) error
	OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) error
}

// WatchStream is the listen RPC. Targets are added with Watch and removed
// with Unwatch; the backend answers with a stream of watch changes.
type WatchStream struct {
	*persistentStream

	serializer *Serializer
	listener   WatchStreamListener
}

func NewWatchStream(conn Connection, queue *asyncqueue.Queue, serializer *Serializer, cfg StreamConfig, listener WatchStreamListener, log *zap.SugaredLogger) *WatchStream {
	w := &WatchStream{serializer: serializer, listener: listener}
	w.persistentStream = newPersistentStream(metrics.StreamWatch, RPCListen, conn, queue, timerIDs{
		idle:    asyncqueue.TimerListenStreamIdle,
		backoff: asyncqueue.TimerListenStreamConnectionBackoff,
	}, cfg, log)
	w.handler = w

	return w
}

// Watch asks the backend to start sending changes for targetData.
func (w *WatchStream) Watch(targetData *persistence.TargetData) error {
	msg, err := w.serializer.EncodeWatchRequest(targetData)
	if err != nil {
		return err
	}

	w.send(msg)

	return nil
}

// Unwatch stops changes for targetID.
func (w *WatchStream) Unwatch(targetID int) error {
	msg, err := w.serializer.EncodeUnwatchRequest(targetID)
	if err != nil {
		return err
	}

	w.send(msg)

	return nil
}

func (w *WatchStream) onOpen() error {
	return w.listener.OnWatchStreamOpen()
}

func (w *WatchStream) onClose(err error) error {
	return w.listener.OnWatchStreamClose(err)
}

func (w *WatchStream) onMessage(msg []byte) error {
	change, version, err := w.serializer.DecodeListenResponse(msg)
	if err != nil {
		w.log.Warnw("Dropping undecodable watch frame", "error", err)

		return nil
	}

	// A message proves the connection works.
	w.backoff.Reset()
	metrics.RecordWatchChange(watchChangeKind(change))

	return w.listener.OnWatchStreamChange(change, version)
}

func watchChangeKind(change WatchChange) string {
	switch c := change.(type) {
	case *DocumentWatchChange:
		return "document"
	case *WatchTargetChange:
		return "target_" + c.State.String()
	case *ExistenceFilterChange:
		return "existence_filter"
	default:
		return "unknown"
	}
}
