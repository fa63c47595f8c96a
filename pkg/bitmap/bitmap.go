// Copyright (c) 2023 Paweł Gaczyński
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

// Package bitmap provides the identifier allocator used for ASID and VMID
// spaces: find-first-zero with an atomic claim, safe for concurrent callers.
package bitmap

import (
	"math/bits"
	"sync/atomic"

	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
)

const wordBits = 64

// Bitmap tracks allocation state for a span of 1<<span identifiers.
type Bitmap struct {
	words []uint64
	size  int
}

// New returns a bitmap covering 1<<span identifiers, all free.
func New(span uint) *Bitmap {
	size := 1 << span

	return &Bitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Alloc claims the lowest free identifier. Returns ErrRange when the space is
// exhausted. Concurrent callers race on the claim and retry, never handing
// out the same identifier twice.
func (b *Bitmap) Alloc() (int, error) {
	for {
		idx := b.firstZero()
		if idx == b.size {
			return 0, smmuerrors.ErrRange
		}

		if b.testAndSet(idx) {
			return idx, nil
		}
	}
}

// Free releases a previously allocated identifier.
func (b *Bitmap) Free(idx int) {
	word := &b.words[idx/wordBits]
	mask := uint64(1) << (idx % wordBits)

	for {
		old := atomic.LoadUint64(word)
		if atomic.CompareAndSwapUint64(word, old, old&^mask) {
			return
		}
	}
}

func (b *Bitmap) firstZero() int {
	for i := range b.words {
		w := atomic.LoadUint64(&b.words[i])
		if w == ^uint64(0) {
			continue
		}

		idx := i*wordBits + bits.TrailingZeros64(^w)
		if idx < b.size {
			return idx
		}

		return b.size
	}

	return b.size
}

func (b *Bitmap) testAndSet(idx int) bool {
	word := &b.words[idx/wordBits]
	mask := uint64(1) << (idx % wordBits)

	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}

		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}
