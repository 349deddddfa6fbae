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
	"fmt"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

var _ = Describe("BloomFilter", func() {
	It("rejects invalid parameters", func() {
		_, err := remote.NewBloomFilter([]byte{0xff}, 8, 1)
		Expect(err).To(BeAssignableToTypeOf(&remote.BloomFilterError{}))

		_, err = remote.NewBloomFilter([]byte{0xff}, -1, 1)
		Expect(err).To(HaveOccurred())

		_, err = remote.NewBloomFilter([]byte{0xff}, 0, 0)
		Expect(err).To(HaveOccurred())

		_, err = remote.NewBloomFilter(nil, 1, 0)
		Expect(err).To(HaveOccurred())

		_, err = remote.NewBloomFilter([]byte{0xff}, 0, -1)
		Expect(err).To(HaveOccurred())
	})

	It("accepts an empty filter", func() {
		bf, err := remote.NewBloomFilter(nil, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(bf.IsEmpty()).To(BeTrue())
		Expect(bf.MightContain("anything")).To(BeFalse())
	})

	It("subtracts the padding from the bit count", func() {
		bf, err := remote.NewBloomFilter([]byte{0, 0}, 3, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(bf.BitCount()).To(Equal(13))
	})

	It("never contains anything when every bit is clear", func() {
		bf, err := remote.NewBloomFilter(make([]byte, 16), 0, 5)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 100; i++ {
			Expect(bf.MightContain(fmt.Sprintf("projects/p/databases/d/documents/c/%d", i))).To(BeFalse())
		}
	})

	It("round trips through its wire form", func() {
		values := []string{"projects/p/databases/d/documents/c/a", "projects/p/databases/d/documents/c/b"}
		built, padding := remote.NewBloomFilterFromValues(values, 20, 3)
		Expect(padding).To(Equal(4))

		decoded, err := remote.NewBloomFilter(built.Bitmap(), padding, built.HashCount())
		Expect(err).NotTo(HaveOccurred())

		for _, v := range values {
			Expect(decoded.MightContain(v)).To(BeTrue())
		}
	})

	It("has no false negatives", func() {
		params := gopter.DefaultTestParameters()
		params.MinSuccessfulTests = 200
		properties := gopter.NewProperties(params)

		properties.Property("every inserted value is reported", prop.ForAll(
			func(values []string, bitsPerValue, hashCount int) bool {
				if len(values) == 0 {
					return true
				}

				bf, _ := remote.NewBloomFilterFromValues(values, len(values)*bitsPerValue, hashCount)
				for _, v := range values {
					if !bf.MightContain(v) {
						return false
					}
				}

				return true
			},
			gen.SliceOf(gen.AlphaString()),
			gen.IntRange(1, 16),
			gen.IntRange(1, 10),
		))

		Expect(properties.Run(gopter.ConsoleReporter(false))).To(BeTrue())
	})
})
