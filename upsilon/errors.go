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

import "github.com/pkg/errors"

var (
	// ErrFormat classifies inputs lowering cannot interpret: non-constant
	// initializers and offsets, type mismatches, unsupported value types and
	// dangling function references.
	ErrFormat = errors.New("malformed module")

	// ErrCapacity classifies inputs that exceed what lowering supports, such as
	// oversized tables or additional memories.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrStoreToInlinedConstant is returned when code attempts to write a
	// global that was inlined as a compile-time constant.
	ErrStoreToInlinedConstant = formatError("store to inlined constant global")

	// ErrStoreToConstantGlobal is returned when code attempts to write an
	// immutable native global.
	ErrStoreToConstantGlobal = formatError("store to immutable global")

	// ErrUnsupportedInstruction is returned by the body compiler for
	// instructions it cannot lower.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")

	errIntRepresentationTooLong = formatError("integer representation too long")
	errIntegerTooLarge          = formatError("integer too large")
)

// classified is a sentinel that also matches its class with errors.Is.
type classified struct {
	msg   string
	class error
}

func (e *classified) Error() string { return e.msg }
func (e *classified) Unwrap() error { return e.class }

func formatError(msg string) error {
	return &classified{msg: msg, class: ErrFormat}
}

func formatErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

func capacityErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrCapacity, format, args...)
}
