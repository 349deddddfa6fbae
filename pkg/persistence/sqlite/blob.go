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
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// compressionThreshold is the encoded size above which blobs are compressed.
const compressionThreshold = 1024

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error

	// EncodeAll and DecodeAll are safe for concurrent use.
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}

	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
}

// encodeBlob encodes v as JSON and compresses large results.
func encodeBlob(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}

	if len(data) < compressionThreshold {
		return data, nil
	}

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// decodeBlob reverses encodeBlob. Uncompressed JSON never starts with the
// zstd magic bytes.
func decodeBlob(data []byte, v any) error {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress blob: %w", err)
		}

		data = raw
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}

	return nil
}
