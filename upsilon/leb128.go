// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upsilon

const (
	continuationBit = 0x80
	payloadMask     = 0x7F
	signBit         = 0x40

	maxBytesUint32 = 5
	maxBytesUint64 = 10
)

func readUleb128(readByte func() (byte, error), maxBytes int) (uint64, error) {
	var result uint64
	var shift uint
	bytesRead := 0

	for {
		b, err := readByte()
		if err != nil {
			return 0, err
		}
		bytesRead++
		if bytesRead > maxBytes {
			return 0, errIntRepresentationTooLong
		}

		result |= uint64(b&payloadMask) << shift
		if b&continuationBit == 0 {
			if maxBytes == maxBytesUint32 && result > 0xFFFFFFFF {
				return 0, errIntegerTooLarge
			}
			return result, nil
		}
		shift += 7
	}
}

// readSleb128 decodes a signed integer of at most maxBytes bytes and sign
// extends it to 64 bits.
func readSleb128(readByte func() (byte, error), maxBytes int) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	bytesRead := 0

	for {
		b, err = readByte()
		if err != nil {
			return 0, err
		}
		bytesRead++
		if bytesRead > maxBytes {
			return 0, errIntRepresentationTooLong
		}

		// The tenth byte of a 64-bit value carries a single payload bit. The six
		// unused bits must replicate the sign.
		if bytesRead == maxBytesUint64 {
			sign := b & 1
			rest := (b & 0x7E) >> 1
			if (sign == 0 && rest != 0) || (sign == 1 && rest != 0x3F) {
				return 0, errIntegerTooLarge
			}
		}

		result |= int64(b&payloadMask) << shift
		shift += 7
		if b&continuationBit == 0 {
			break
		}
	}

	if shift < 64 && b&signBit != 0 {
		result |= -1 << shift
	}
	return result, nil
}
