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

// Package remotetest provides an in-process backend that speaks the listen
// and write protocols over a remote.MockConnection. It keeps documents in
// memory, commits writes in order and pushes changes to every watched
// target. Tests use it to drive the engine end to end.
package remotetest

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

const (
	bloomBitsPerDocument = 10
	bloomMinBits         = 64
	bloomHashCount       = 7
)

// Backend is a fake document database.
type Backend struct {
	conn       *remote.MockConnection
	serializer *remote.Serializer

	mu       sync.Mutex
	version  int64
	docs     map[model.DocumentKey]*model.Document
	sessions map[*listenSession]struct{}
	writers  map[*remote.MockBackendStream]struct{}

	denied      map[string]standarderrors.Code
	rejectNext  error
	holdWrites  bool
	heldWrites  []heldWrite
	holdDocs    bool
	heldListens []heldListen
	writeCount  int
	listenCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type heldWrite struct {
	stream *remote.MockBackendStream
	req    *remote.WriteRequest
}

type heldListen struct {
	session *listenSession
	add     *remote.AddTarget
}

type listenSession struct {
	stream  *remote.MockBackendStream
	targets map[int]*watchedTarget
}

type watchedTarget struct {
	target *query.Target
	docs   model.DocumentKeySet
}

// NewBackend creates a stopped backend for dbID.
func NewBackend(dbID remote.DatabaseID) *Backend {
	return &Backend{
		conn:       remote.NewMockConnection(),
		serializer: remote.NewSerializer(dbID),
		version:    1_000_000,
		docs:       make(map[model.DocumentKey]*model.Document),
		sessions:   make(map[*listenSession]struct{}),
		writers:    make(map[*remote.MockBackendStream]struct{}),
		denied:     make(map[string]standarderrors.Code),
	}
}

// Connection is what the client dials.
func (b *Backend) Connection() *remote.MockConnection { return b.conn }

// Start accepts streams until Stop.
func (b *Backend) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(2)

	go b.accept(ctx, remote.RPCListen, b.serveListen)
	go b.accept(ctx, remote.RPCWrite, b.serveWrite)
}

// Stop ends every stream and stops accepting new ones.
func (b *Backend) Stop() {
	if b.cancel != nil {
		b.cancel()
	}

	b.Disconnect(standarderrors.Cancelled)
	b.wg.Wait()
}

func (b *Backend) accept(ctx context.Context, rpc remote.RPC, serve func(context.Context, *remote.MockBackendStream)) {
	defer b.wg.Done()

	for {
		stream, err := b.conn.NextStream(ctx, rpc)
		if err != nil {
			return
		}

		b.wg.Add(1)

		go func() {
			defer b.wg.Done()
			serve(ctx, stream)
		}()
	}
}

// Disconnect ends every open stream with code. Clients reconnect with
// backoff.
func (b *Backend) Disconnect(code standarderrors.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := standarderrors.New(code, "backend disconnected")

	for s := range b.sessions {
		s.stream.CloseWithError(err)
	}

	for w := range b.writers {
		w.CloseWithError(err)
	}
}

// Deny makes every later listen to a target under path fail with code.
func (b *Backend) Deny(path string, code standarderrors.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.denied[path] = code
}

// RejectNextWrite fails the next write request with err instead of
// committing it.
func (b *Backend) RejectNextWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rejectNext = err
}

// HoldWrites queues write requests instead of committing them, until
// ReleaseWrites.
func (b *Backend) HoldWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.holdWrites = true
}

// ReleaseWrites commits every held write in arrival order.
func (b *Backend) ReleaseWrites(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.holdWrites = false
	held := b.heldWrites
	b.heldWrites = nil

	closed := make(map[*remote.MockBackendStream]bool)

	for _, h := range held {
		if closed[h.stream] {
			continue
		}

		if !b.commitLocked(ctx, h.stream, h.req) {
			closed[h.stream] = true
		}
	}
}

// HoldDocumentListens queues every later single-document listen, which is
// how limbo documents are resolved, until ReleaseHeldListens. Query listens
// are served as usual.
func (b *Backend) HoldDocumentListens() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.holdDocs = true
}

// ReleaseHeldListens serves the listens held so far. Later document listens
// are still held.
func (b *Backend) ReleaseHeldListens(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.heldListens
	b.heldListens = nil

	for _, h := range held {
		if _, open := b.sessions[h.session]; !open {
			continue
		}

		b.addTargetLocked(ctx, h.session, h.add)
	}
}

// HeldListenCount is the number of listens waiting for ReleaseHeldListens.
func (b *Backend) HeldListenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.heldListens)
}

// WriteCount is the number of committed write requests.
func (b *Backend) WriteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.writeCount
}

// ListenCount is the number of addTarget requests served.
func (b *Backend) ListenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.listenCount
}

// Document returns the committed state of key, or nil.
func (b *Backend) Document(key model.DocumentKey) *model.Document {
	b.mu.Lock()
	defer b.mu.Unlock()

	if doc, ok := b.docs[key]; ok {
		return doc.Clone()
	}

	return nil
}

// SetDocument writes data directly, as if another client had committed it.
func (b *Backend) SetDocument(ctx context.Context, key model.DocumentKey, data model.ObjectValue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version++
	b.docs[key] = model.NewFoundDocument(key, b.currentVersion(), data)
	b.broadcastLocked(ctx, model.NewDocumentKeySet(key))
}

// DeleteDocument removes key, as if another client had deleted it.
func (b *Backend) DeleteDocument(ctx context.Context, key model.DocumentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version++
	delete(b.docs, key)
	b.broadcastLocked(ctx, model.NewDocumentKeySet(key))
}

// DeleteSilently removes key without telling any listener, the way a
// document disappears while a client is offline. Only an existence filter
// reveals it.
func (b *Backend) DeleteSilently(key model.DocumentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version++
	delete(b.docs, key)

	for s := range b.sessions {
		for _, t := range s.targets {
			t.docs.Remove(key)
		}
	}
}

func (b *Backend) currentVersion() model.SnapshotVersion {
	return model.VersionFromMicros(b.version)
}

func (b *Backend) resumeToken() []byte {
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(b.version))

	return token
}

func (b *Backend) serveListen(ctx context.Context, stream *remote.MockBackendStream) {
	session := &listenSession{stream: stream, targets: make(map[int]*watchedTarget)}

	b.mu.Lock()
	b.sessions[session] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, session)
		b.mu.Unlock()
	}()

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			return
		}

		req, err := remote.DecodeListenRequest(data)
		if err != nil {
			stream.CloseWithError(standarderrors.Wrap(standarderrors.InvalidArgument, err, "bad listen request"))

			return
		}

		b.mu.Lock()

		switch {
		case req.AddTarget != nil && b.holdDocs && len(req.AddTarget.Documents) == 1:
			b.heldListens = append(b.heldListens, heldListen{session: session, add: req.AddTarget})
		case req.AddTarget != nil:
			b.addTargetLocked(ctx, session, req.AddTarget)
		case req.RemoveTarget != 0:
			delete(session.targets, req.RemoveTarget)
			b.dropHeldLocked(session, req.RemoveTarget)
			b.sendLocked(ctx, stream, remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
				TargetChangeType: remote.TargetChangeType(remote.WatchTargetRemoved),
				TargetIDs:        []int{req.RemoveTarget},
			}})
		}

		b.mu.Unlock()
	}
}

func (b *Backend) dropHeldLocked(session *listenSession, targetID int) {
	kept := b.heldListens[:0]

	for _, h := range b.heldListens {
		if h.session != session || h.add.TargetID != targetID {
			kept = append(kept, h)
		}
	}

	b.heldListens = kept
}

func (b *Backend) addTargetLocked(ctx context.Context, session *listenSession, add *remote.AddTarget) {
	b.listenCount++

	target := add.Query
	if len(add.Documents) == 1 {
		key, err := b.serializer.DocumentKey(add.Documents[0])
		if err != nil {
			session.stream.CloseWithError(err)

			return
		}

		target = query.NewDocumentTarget(key)
	}

	if target == nil {
		session.stream.CloseWithError(standarderrors.New(standarderrors.InvalidArgument, "addTarget without query or documents"))

		return
	}

	if code, denied := b.deniedLocked(target); denied {
		b.sendLocked(ctx, session.stream, remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
			TargetChangeType: remote.TargetChangeType(remote.WatchTargetRemoved),
			TargetIDs:        []int{add.TargetID},
			Cause:            remote.EncodeStatus(standarderrors.New(code, "listen denied")),
		}})

		return
	}

	b.sendLocked(ctx, session.stream, remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		TargetChangeType: remote.TargetChangeType(remote.WatchTargetAdded),
		TargetIDs:        []int{add.TargetID},
	}})

	results := b.evaluateLocked(target)
	watched := &watchedTarget{target: target, docs: model.NewDocumentKeySet()}
	session.targets[add.TargetID] = watched

	for _, doc := range results {
		watched.docs.Add(doc.Key())
		b.sendLocked(ctx, session.stream, remote.ListenResponse{DocumentChange: &remote.DocumentChangeMessage{
			Document:  b.serializer.EncodeDocument(doc),
			TargetIDs: []int{add.TargetID},
		}})
	}

	// A resumed listen gets an existence filter so the client can detect
	// deletes it missed.
	if len(add.ResumeToken) > 0 || add.ReadTime != nil {
		b.sendLocked(ctx, session.stream, remote.ListenResponse{Filter: b.existenceFilterLocked(add.TargetID, results)})
	}

	b.sendLocked(ctx, session.stream, remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		TargetChangeType: remote.TargetChangeType(remote.WatchTargetCurrent),
		TargetIDs:        []int{add.TargetID},
		ResumeToken:      b.resumeToken(),
	}})

	b.sendGlobalSnapshotLocked(ctx, session.stream)
}

func (b *Backend) existenceFilterLocked(targetID int, results []*model.Document) *remote.FilterMessage {
	names := make([]string, 0, len(results))
	for _, doc := range results {
		names = append(names, b.serializer.DocumentName(doc.Key()))
	}

	filter := &remote.FilterMessage{TargetID: targetID, Count: len(results)}

	if len(names) > 0 {
		bits := max(len(names)*bloomBitsPerDocument, bloomMinBits)
		bf, padding := remote.NewBloomFilterFromValues(names, bits, bloomHashCount)
		filter.UnchangedNames = &remote.BloomFilterMessage{HashCount: bf.HashCount()}
		filter.UnchangedNames.Bits.Bitmap = bf.Bitmap()
		filter.UnchangedNames.Bits.Padding = padding
	}

	return filter
}

func (b *Backend) sendGlobalSnapshotLocked(ctx context.Context, stream *remote.MockBackendStream) {
	ts := b.currentVersion().Timestamp()
	b.sendLocked(ctx, stream, remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		TargetChangeType: remote.TargetChangeType(remote.WatchTargetNoChange),
		ResumeToken:      b.resumeToken(),
		ReadTime:         &ts,
	}})
}

func (b *Backend) deniedLocked(target *query.Target) (standarderrors.Code, bool) {
	path := target.Path.String()

	for prefix, code := range b.denied {
		if path == prefix || len(path) > len(prefix) && path[:len(prefix)+1] == prefix+"/" {
			return code, true
		}
	}

	return standarderrors.OK, false
}

// evaluateLocked runs target against the committed documents.
func (b *Backend) evaluateLocked(target *query.Target) []*model.Document {
	q := target.ToQuery()

	var results []*model.Document

	for _, doc := range b.docs {
		if q.Matches(doc) {
			results = append(results, doc)
		}
	}

	cmp := q.Comparator()
	sort.Slice(results, func(i, j int) bool { return cmp(results[i], results[j]) < 0 })

	if target.HasLimit() && len(results) > target.Limit {
		results = results[:target.Limit]
	}

	return results
}

// broadcastLocked pushes the effect of changed keys to every target and
// closes with a global snapshot.
func (b *Backend) broadcastLocked(ctx context.Context, changed model.DocumentKeySet) {
	for session := range b.sessions {
		if len(session.targets) == 0 {
			continue
		}

		ids := make([]int, 0, len(session.targets))
		for id := range session.targets {
			ids = append(ids, id)
		}

		sort.Ints(ids)

		for _, id := range ids {
			b.diffTargetLocked(ctx, session, id, changed)
		}

		b.sendGlobalSnapshotLocked(ctx, session.stream)
	}
}

func (b *Backend) diffTargetLocked(ctx context.Context, session *listenSession, targetID int, changed model.DocumentKeySet) {
	watched := session.targets[targetID]
	results := b.evaluateLocked(watched.target)
	now := model.NewDocumentKeySet()

	for _, doc := range results {
		now.Add(doc.Key())

		if !watched.docs.Has(doc.Key()) || changed.Has(doc.Key()) {
			b.sendLocked(ctx, session.stream, remote.ListenResponse{DocumentChange: &remote.DocumentChangeMessage{
				Document:  b.serializer.EncodeDocument(doc),
				TargetIDs: []int{targetID},
			}})
		}
	}

	for _, key := range watched.docs.Sorted() {
		if now.Has(key) {
			continue
		}

		msg := &remote.DocumentDeleteMessage{
			Document:         b.serializer.DocumentName(key),
			RemovedTargetIDs: []int{targetID},
		}

		if _, exists := b.docs[key]; exists {
			b.sendLocked(ctx, session.stream, remote.ListenResponse{DocumentRemove: msg})
		} else {
			ts := b.currentVersion().Timestamp()
			msg.ReadTime = &ts
			b.sendLocked(ctx, session.stream, remote.ListenResponse{DocumentDelete: msg})
		}
	}

	watched.docs = now
}

func (b *Backend) sendLocked(ctx context.Context, stream *remote.MockBackendStream, msg remote.ListenResponse) {
	data, err := b.serializer.EncodeListenResponse(msg)
	if err != nil {
		stream.CloseWithError(standarderrors.Wrap(standarderrors.Internal, err, "encode failed"))

		return
	}

	_ = stream.Send(ctx, data)
}

func (b *Backend) serveWrite(ctx context.Context, stream *remote.MockBackendStream) {
	b.mu.Lock()
	b.writers[stream] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.writers, stream)
		b.mu.Unlock()
	}()

	handshaken := false

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			return
		}

		req, err := remote.DecodeWriteRequest(data)
		if err != nil {
			stream.CloseWithError(standarderrors.Wrap(standarderrors.InvalidArgument, err, "bad write request"))

			return
		}

		b.mu.Lock()

		if !handshaken {
			handshaken = true
			b.sendWriteLocked(ctx, stream, remote.WriteResponse{StreamID: req.StreamID, StreamToken: b.resumeToken()})
			b.mu.Unlock()

			continue
		}

		ok := true

		switch {
		case b.rejectNext != nil:
			stream.CloseWithError(b.rejectNext)
			b.rejectNext = nil
			ok = false
		case b.holdWrites:
			b.heldWrites = append(b.heldWrites, heldWrite{stream: stream, req: req})
		default:
			ok = b.commitLocked(ctx, stream, req)
		}

		b.mu.Unlock()

		if !ok {
			return
		}
	}
}

// commitLocked applies a write request atomically. A failed precondition
// rejects the whole request and ends the stream; commitLocked then returns
// false.
func (b *Backend) commitLocked(ctx context.Context, stream *remote.MockBackendStream, req *remote.WriteRequest) bool {
	b.version++
	commit := b.currentVersion()
	now := commit.Timestamp()

	staged := make(map[model.DocumentKey]*model.Document)
	lookup := func(key model.DocumentKey) *model.Document {
		if doc, ok := staged[key]; ok {
			return doc
		}

		if doc, ok := b.docs[key]; ok {
			return doc.Clone()
		}

		return model.NewNoDocument(key, model.SnapshotVersionMin)
	}

	results := make([]remote.WriteResultMessage, 0, len(req.Writes))

	for _, m := range req.Writes {
		doc := lookup(m.Key)

		if !m.Precondition.IsValidFor(doc) {
			code := standarderrors.FailedPrecondition
			if m.Precondition.Exists != nil && *m.Precondition.Exists {
				code = standarderrors.NotFound
			}

			b.version--
			stream.CloseWithError(standarderrors.New(code, "precondition failed for %s", m.Key))

			return false
		}

		transformResults := serverTransformResults(m, doc, now)
		m.ApplyToRemoteDocument(doc, mutation.Result{Version: commit, TransformResults: transformResults})

		if doc.IsFoundDocument() {
			doc = model.NewFoundDocument(m.Key, commit, *doc.Data())
		}

		staged[m.Key] = doc
		results = append(results, remote.WriteResultMessage{UpdateTime: &now, TransformResults: transformResults})
	}

	changed := model.NewDocumentKeySet()

	for key, doc := range staged {
		changed.Add(key)

		if doc.IsFoundDocument() {
			b.docs[key] = doc
		} else {
			delete(b.docs, key)
		}
	}

	b.writeCount++
	b.sendWriteLocked(ctx, stream, remote.WriteResponse{
		StreamToken:  b.resumeToken(),
		CommitTime:   &now,
		WriteResults: results,
	})
	b.broadcastLocked(ctx, changed)

	return true
}

// serverTransformResults computes what each transform of m produces on doc.
// Server timestamps resolve to now.
func serverTransformResults(m mutation.Mutation, doc *model.Document, now model.Timestamp) []model.Value {
	if len(m.Transforms) == 0 {
		return nil
	}

	local := doc.Clone()
	m.ApplyToLocalView(local, nil, now)

	out := make([]model.Value, 0, len(m.Transforms))

	for _, t := range m.Transforms {
		if t.Transform.Kind == mutation.TransformServerTimestamp {
			out = append(out, model.NewTimestamp(now))

			continue
		}

		v, ok := local.Field(t.Field)
		if !ok {
			v = model.NewNull()
		}

		out = append(out, v)
	}

	return out
}

func (b *Backend) sendWriteLocked(ctx context.Context, stream *remote.MockBackendStream, msg remote.WriteResponse) {
	data, err := remote.EncodeWriteResponse(msg)
	if err != nil {
		stream.CloseWithError(standarderrors.Wrap(standarderrors.Internal, err, "encode failed"))

		return
	}

	_ = stream.Send(ctx, data)
}
