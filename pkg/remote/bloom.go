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
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilter answers "might this document name be in the set" for the
// unchanged-names payload of an existence filter. It never reports a false
// negative.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// BloomFilterError is returned for malformed filter parameters.
type BloomFilterError struct {
	Reason string
}

func (e *BloomFilterError) Error() string {
	return "invalid bloom filter: " + e.Reason
}

// NewBloomFilter validates the wire parameters and builds a filter.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, &BloomFilterError{Reason: fmt.Sprintf("padding must be in [0, 8), got %d", padding)}
	}

	if hashCount < 0 {
		return nil, &BloomFilterError{Reason: fmt.Sprintf("hash count must not be negative, got %d", hashCount)}
	}

	if len(bitmap) > 0 && hashCount == 0 {
		return nil, &BloomFilterError{Reason: "hash count must be positive for a non-empty bitmap"}
	}

	if len(bitmap) == 0 && padding != 0 {
		return nil, &BloomFilterError{Reason: fmt.Sprintf("padding of an empty bitmap must be 0, got %d", padding)}
	}

	return &BloomFilter{
		bitmap:    bitmap,
		bitCount:  uint64(len(bitmap)*8 - padding),
		hashCount: hashCount,
	}, nil
}

// NewBloomFilterFromValues builds a filter holding values. The fake backend
// and tests use it to produce existence filters.
func NewBloomFilterFromValues(values []string, bitCount, hashCount int) (*BloomFilter, int) {
	size := (bitCount + 7) / 8
	padding := size*8 - bitCount

	bf := &BloomFilter{
		bitmap:    make([]byte, size),
		bitCount:  uint64(bitCount),
		hashCount: hashCount,
	}

	for _, v := range values {
		bf.insert(v)
	}

	return bf, padding
}

func (b *BloomFilter) BitCount() int  { return int(b.bitCount) }
func (b *BloomFilter) HashCount() int { return b.hashCount }
func (b *BloomFilter) Bitmap() []byte { return b.bitmap }
func (b *BloomFilter) IsEmpty() bool  { return b.bitCount == 0 }

// MightContain reports whether value may have been added. An empty filter
// contains nothing.
func (b *BloomFilter) MightContain(value string) bool {
	if b.bitCount == 0 {
		return false
	}

	h1, h2 := hashValue(value)
	for i := 0; i < b.hashCount; i++ {
		if !b.isBitSet(b.bitIndex(h1, h2, uint64(i))) {
			return false
		}
	}

	return true
}

func (b *BloomFilter) insert(value string) {
	if b.bitCount == 0 {
		return
	}

	h1, h2 := hashValue(value)
	for i := 0; i < b.hashCount; i++ {
		idx := b.bitIndex(h1, h2, uint64(i))
		b.bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// bitIndex is (h1 + i*h2) mod bitCount in wrapping 64 bit arithmetic.
func (b *BloomFilter) bitIndex(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % b.bitCount
}

func (b *BloomFilter) isBitSet(idx uint64) bool {
	return b.bitmap[idx/8]&(1<<(idx%8)) != 0
}

func hashValue(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value))

	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}
