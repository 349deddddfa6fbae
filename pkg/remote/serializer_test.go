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

package remote_test

import (
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var testDB = remote.DatabaseID{ProjectID: "p", Database: "(default)"}

func key(path string) model.DocumentKey {
	return model.MustDocumentKey(path)
}

func version(micros int64) model.SnapshotVersion {
	return model.VersionFromMicros(micros)
}

func foundDoc(path string, micros int64, fields map[string]any) *model.Document {
	return model.NewFoundDocument(key(path), version(micros), model.MustObject(fields))
}

func collectionTarget(path string) *query.Target {
	return query.NewCollectionQuery(model.MustResourcePath(path)).ToTarget()
}

var _ = Describe("Serializer", func() {
	var s *remote.Serializer

	BeforeEach(func() {
		s = remote.NewSerializer(testDB)
	})

	It("round trips document names", func() {
		name := s.DocumentName(key("rooms/a"))
		Expect(name).To(Equal("projects/p/databases/(default)/documents/rooms/a"))

		k, err := s.DocumentKey(name)
		Expect(err).NotTo(HaveOccurred())
		Expect(k).To(Equal(key("rooms/a")))

		_, err = s.DocumentKey("projects/other/databases/(default)/documents/rooms/a")
		Expect(err).To(HaveOccurred())
	})

	Context("watch requests", func() {
		It("prefers the resume token over the read time", func() {
			td := persistence.NewTargetData(collectionTarget("rooms"), 2, persistence.PurposeListen, 1).
				WithResumeToken([]byte("tok"), version(5)).
				WithExpectedCount(3)

			data, err := s.EncodeWatchRequest(td)
			Expect(err).NotTo(HaveOccurred())

			req, err := remote.DecodeListenRequest(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.AddTarget.TargetID).To(Equal(2))
			Expect(req.AddTarget.ResumeToken).To(Equal([]byte("tok")))
			Expect(req.AddTarget.ReadTime).To(BeNil())
			Expect(req.AddTarget.ExpectedCount).To(HaveValue(Equal(3)))
			Expect(req.AddTarget.Query.CanonicalID()).To(Equal(td.Target.CanonicalID()))
		})

		It("omits the expected count for a fresh listen", func() {
			td := persistence.NewTargetData(collectionTarget("rooms"), 2, persistence.PurposeListen, 1).WithExpectedCount(3)

			data, err := s.EncodeWatchRequest(td)
			Expect(err).NotTo(HaveOccurred())

			req, err := remote.DecodeListenRequest(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.AddTarget.ExpectedCount).To(BeNil())
		})

		It("names the document of a document target", func() {
			td := persistence.NewTargetData(query.NewDocumentTarget(key("rooms/a")), 4, persistence.PurposeLimboResolution, 1)

			data, err := s.EncodeWatchRequest(td)
			Expect(err).NotTo(HaveOccurred())

			req, err := remote.DecodeListenRequest(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.AddTarget.Query).To(BeNil())
			Expect(req.AddTarget.Documents).To(Equal([]string{s.DocumentName(key("rooms/a"))}))
		})
	})

	Context("listen responses", func() {
		It("takes the snapshot version only from global target changes", func() {
			ts := version(7).Timestamp()

			data, err := s.EncodeListenResponse(remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
				TargetChangeType: "NO_CHANGE",
				ReadTime:         &ts,
			}})
			Expect(err).NotTo(HaveOccurred())

			change, v, err := s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(version(7)))
			Expect(change.(*remote.WatchTargetChange).State).To(Equal(remote.WatchTargetNoChange))

			data, err = s.EncodeListenResponse(remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
				TargetChangeType: "CURRENT",
				TargetIDs:        []int{1},
				ReadTime:         &ts,
			}})
			Expect(err).NotTo(HaveOccurred())

			_, v, err = s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(v.IsMin()).To(BeTrue())
		})

		It("decodes causes as status errors", func() {
			data, err := s.EncodeListenResponse(remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
				TargetChangeType: "REMOVE",
				TargetIDs:        []int{3},
				Cause:            remote.EncodeStatus(standarderrors.New(standarderrors.PermissionDenied, "no access")),
			}})
			Expect(err).NotTo(HaveOccurred())

			change, _, err := s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())

			tc := change.(*remote.WatchTargetChange)
			Expect(tc.State).To(Equal(remote.WatchTargetRemoved))
			Expect(standarderrors.CodeOf(tc.Cause)).To(Equal(standarderrors.PermissionDenied))
		})

		It("distinguishes deletes from removes", func() {
			ts := version(9).Timestamp()
			msg := &remote.DocumentDeleteMessage{Document: s.DocumentName(key("rooms/a")), ReadTime: &ts, RemovedTargetIDs: []int{1}}

			data, err := s.EncodeListenResponse(remote.ListenResponse{DocumentDelete: msg})
			Expect(err).NotTo(HaveOccurred())

			change, _, err := s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(change.(*remote.DocumentWatchChange).NewDoc.IsNoDocument()).To(BeTrue())
			Expect(change.(*remote.DocumentWatchChange).NewDoc.Version()).To(Equal(version(9)))

			data, err = s.EncodeListenResponse(remote.ListenResponse{DocumentRemove: msg})
			Expect(err).NotTo(HaveOccurred())

			change, _, err = s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(change.(*remote.DocumentWatchChange).NewDoc).To(BeNil())
		})

		It("decodes documents with their fields", func() {
			data, err := s.EncodeListenResponse(remote.ListenResponse{DocumentChange: &remote.DocumentChangeMessage{
				Document:  s.EncodeDocument(foundDoc("rooms/a", 3, map[string]any{"name": "lobby"})),
				TargetIDs: []int{1},
			}})
			Expect(err).NotTo(HaveOccurred())

			change, _, err := s.DecodeListenResponse(data)
			Expect(err).NotTo(HaveOccurred())

			doc := change.(*remote.DocumentWatchChange).NewDoc
			Expect(doc.Version()).To(Equal(version(3)))

			v, ok := doc.Field(model.MustFieldPath("name"))
			Expect(ok).To(BeTrue())
			Expect(model.ToGo(v)).To(Equal("lobby"))
		})

		It("rejects empty frames and unknown change types", func() {
			_, _, err := s.DecodeListenResponse([]byte(`{}`))
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.InvalidArgument))

			_, _, err = s.DecodeListenResponse([]byte(`{"targetChange":{"targetChangeType":"EXPLODE"}}`))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("write responses", func() {
		It("defaults result versions to the commit time", func() {
			commit := version(11).Timestamp()
			update := version(10).Timestamp()

			data, err := remote.EncodeWriteResponse(remote.WriteResponse{
				CommitTime: &commit,
				WriteResults: []remote.WriteResultMessage{
					{UpdateTime: &update},
					{TransformResults: []model.Value{model.NewInteger(4)}},
				},
			})
			Expect(err).NotTo(HaveOccurred())

			msg, err := s.DecodeWriteResponse(data)
			Expect(err).NotTo(HaveOccurred())

			v, results := s.MutationResults(msg)
			Expect(v).To(Equal(version(11)))
			Expect(results).To(HaveLen(2))
			Expect(results[0].Version).To(Equal(version(10)))
			Expect(results[1].Version).To(Equal(version(11)))
			Expect(results[1].TransformResults).To(Equal([]model.Value{model.NewInteger(4)}))
		})

		It("carries mutations in write requests", func() {
			m := mutation.NewSet(key("rooms/a"), model.MustObject(map[string]any{"n": int64(1)}))

			data, err := s.EncodeWriteRequest("stream-1", []byte("tok"), []mutation.Mutation{m})
			Expect(err).NotTo(HaveOccurred())

			req, err := remote.DecodeWriteRequest(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.StreamID).To(Equal("stream-1"))
			Expect(req.StreamToken).To(Equal([]byte("tok")))
			Expect(req.Writes).To(HaveLen(1))
			Expect(req.Writes[0].Equal(m)).To(BeTrue())
		})

		It("names the database in the handshake", func() {
			data, err := s.EncodeHandshake("stream-1")
			Expect(err).NotTo(HaveOccurred())

			var raw map[string]any
			Expect(json.Unmarshal(data, &raw)).To(Succeed())
			Expect(raw).To(HaveKeyWithValue("database", "projects/p/databases/(default)"))
			Expect(raw).To(HaveKeyWithValue("streamId", "stream-1"))
		})
	})
})
