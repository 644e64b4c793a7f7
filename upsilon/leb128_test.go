// Copyright 2025 Google LLC
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

package upsilon

import (
	"bytes"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/ziggy42/upsilon/internal/wasmbuild"
)

func TestReadUleb128(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		maxBytes int
		want     uint64
		err      error
	}{
		{name: "single byte", input: []byte{0x08}, maxBytes: maxBytesUint32, want: 8},
		{name: "multi byte", input: []byte{0xE5, 0x8E, 0x26}, maxBytes: maxBytesUint32, want: 624485},
		{name: "max uint32", input: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}, maxBytes: maxBytesUint32, want: math.MaxUint32},
		{name: "uint32 overflow", input: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}, maxBytes: maxBytesUint32, err: errIntegerTooLarge},
		{name: "too long", input: []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, maxBytes: maxBytesUint32, err: errIntRepresentationTooLong},
		{name: "uint64", input: wasmbuild.ULEB(1 << 40), maxBytes: maxBytesUint64, want: 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readUleb128(bytes.NewReader(tt.input).ReadByte, tt.maxBytes)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
				if !errors.Is(err, ErrFormat) {
					t.Errorf("expected a format error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decoding failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestReadSleb128(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		maxBytes int
		want     int64
		err      error
	}{
		{name: "minus one", input: []byte{0x7F}, maxBytes: maxBytesUint32, want: -1},
		{name: "negative", input: []byte{0xC0, 0xBB, 0x78}, maxBytes: maxBytesUint32, want: -123456},
		{name: "positive with sign bit", input: []byte{0xC0, 0x00}, maxBytes: maxBytesUint32, want: 64},
		{name: "min int32", input: wasmbuild.SLEB(math.MinInt32), maxBytes: maxBytesUint32, want: math.MinInt32},
		{name: "min int64", input: wasmbuild.SLEB(math.MinInt64), maxBytes: maxBytesUint64, want: math.MinInt64},
		{name: "max int64", input: wasmbuild.SLEB(math.MaxInt64), maxBytes: maxBytesUint64, want: math.MaxInt64},
		{
			name:     "bad tenth byte",
			input:    []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x02},
			maxBytes: maxBytesUint64,
			err:      errIntegerTooLarge,
		},
		{
			name:     "too long",
			input:    []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00},
			maxBytes: maxBytesUint32,
			err:      errIntRepresentationTooLong,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSleb128(bytes.NewReader(tt.input).ReadByte, tt.maxBytes)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decoding failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestReadLeb128Truncated(t *testing.T) {
	if _, err := readUleb128(bytes.NewReader([]byte{0x80}).ReadByte, maxBytesUint32); err == nil {
		t.Errorf("expected an error for a truncated unsigned value")
	}
	if _, err := readSleb128(bytes.NewReader([]byte{0xFF}).ReadByte, maxBytesUint64); err == nil {
		t.Errorf("expected an error for a truncated signed value")
	}
}
