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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
)

// WriteStreamListener receives write stream events on the async queue.
type WriteStreamListener interface {
	OnWriteStreamOpen() error
	OnWriteStreamClose(err error) error
	OnHandshakeComplete() error
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) error
}

// WriteStream is the write RPC. After opening, the client sends a handshake
// and waits for the first stream token before sending mutations. Every
// response carries a new token, which makes a resent batch recognizable to
// the backend.
type WriteStream struct {
	*persistentStream

	serializer *Serializer
	listener   WriteStreamListener

	handshakeComplete bool
	streamID          string

	// LastStreamToken is the token of the last response. The remote store
	// seeds it from persistence before the stream starts.
	LastStreamToken []byte
}

func NewWriteStream(conn Connection, queue *asyncqueue.Queue, serializer *Serializer, cfg StreamConfig, listener WriteStreamListener, log *zap.SugaredLogger) *WriteStream {
	w := &WriteStream{serializer: serializer, listener: listener}
	w.persistentStream = newPersistentStream(metrics.StreamWrite, RPCWrite, conn, queue, timerIDs{
		idle:    asyncqueue.TimerWriteStreamIdle,
		backoff: asyncqueue.TimerWriteStreamConnectionBackoff,
	}, cfg, log)
	w.handler = w

	return w
}

func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }
func (w *WriteStream) StreamID() string        { return w.streamID }

// WriteHandshake sends the handshake. Call it once after the stream opens.
func (w *WriteStream) WriteHandshake() error {
	if w.handshakeComplete {
		w.log.Warnw("Handshake already completed", "streamID", w.streamID)

		return nil
	}

	msg, err := w.serializer.EncodeHandshake(w.streamID)
	if err != nil {
		return err
	}

	w.send(msg)

	return nil
}

// WriteMutations sends one batch. The handshake must be complete.
func (w *WriteStream) WriteMutations(mutations []mutation.Mutation) error {
	if !w.handshakeComplete {
		w.log.Warnw("Dropping mutations sent before the handshake", "count", len(mutations))

		return nil
	}

	msg, err := w.serializer.EncodeWriteRequest(w.streamID, w.LastStreamToken, mutations)
	if err != nil {
		return err
	}

	w.send(msg)

	return nil
}

func (w *WriteStream) onOpen() error {
	w.handshakeComplete = false
	w.streamID = uuid.NewString()

	return w.listener.OnWriteStreamOpen()
}

// onClose keeps handshakeComplete so the listener can tell a failed write
// from a failed handshake. onOpen clears it.
func (w *WriteStream) onClose(err error) error {
	return w.listener.OnWriteStreamClose(err)
}

func (w *WriteStream) onMessage(msg []byte) error {
	resp, err := w.serializer.DecodeWriteResponse(msg)
	if err != nil {
		w.log.Warnw("Dropping undecodable write frame", "error", err)

		return nil
	}

	if resp.Status != nil {
		return w.handleStreamClose(DecodeStatus(resp.Status))
	}

	w.LastStreamToken = resp.StreamToken

	if !w.handshakeComplete {
		w.handshakeComplete = true

		return w.listener.OnHandshakeComplete()
	}

	// Only a real result proves the backend accepts our writes.
	w.backoff.Reset()

	commit, results := w.serializer.MutationResults(resp)

	return w.listener.OnMutationResult(commit, results)
}
