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

package sqlite

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("network filesystem detection", func() {
	DescribeTable("classifies filesystem types",
		func(fsType string, network bool) {
			Expect(isNetworkFSType(fsType)).To(Equal(network))
		},
		Entry("nfs", "nfs4", true),
		Entry("smb", "smbfs", true),
		Entry("cifs", "CIFS", true),
		Entry("ext4", "ext4", false),
		Entry("apfs", "apfs", false),
	)

	It("accepts a local temp directory", func() {
		Expect(checkFilesystem(GinkgoT().TempDir() + "/x.db")).To(Succeed())
	})
})

var _ = Describe("blob encoding", func() {
	It("leaves small blobs uncompressed", func() {
		blob, err := encodeBlob(map[string]string{"a": "b"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(blob)).To(Equal(`{"a":"b"}`))
	})

	It("compresses large blobs and decodes them again", func() {
		in := map[string]string{}
		for i := 0; i < 200; i++ {
			in[string(rune('a'+i%26))+string(rune('a'+i/26))] = "repeated value repeated value"
		}

		blob, err := encodeBlob(in)
		Expect(err).NotTo(HaveOccurred())
		Expect(blob[:4]).To(Equal(zstdMagic))

		var out map[string]string
		Expect(decodeBlob(blob, &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})
})
