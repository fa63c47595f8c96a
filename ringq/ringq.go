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

// Package ringq implements the circular queue primitives shared between the
// translation controller and the hardware model. A queue index is a 32-bit
// value split into position bits below the shift, a wrap bit at the shift and
// an overflow flag in the top bit. Keeping the wrap bit in the index is what
// lets us tell a full queue from an empty one when the positions are equal.
package ringq

import "sync/atomic"

// OverflowFlag is toggled by hardware in the producer index of event rings
// when entries had to be dropped. It is distinct from the wrap bit.
const OverflowFlag uint32 = 1 << 31

// Ovf extracts the overflow flag from an index.
func Ovf(p uint32) uint32 {
	return p & OverflowFlag
}

// LowLevelQueue is a snapshot of the producer and consumer indices of a
// queue with 1<<Shift entries. It carries no storage and all methods are
// pure index arithmetic, so a snapshot may be inspected without any locking.
type LowLevelQueue struct {
	Prod  uint32
	Cons  uint32
	Shift uint
}

// Idx strips an index down to its position bits.
func (q *LowLevelQueue) Idx(p uint32) uint32 {
	return p & ((1 << q.Shift) - 1)
}

// Wrp extracts the wrap bit of an index.
func (q *LowLevelQueue) Wrp(p uint32) uint32 {
	return p & (1 << q.Shift)
}

// HasSpace reports whether n more entries fit between producer and consumer.
func (q *LowLevelQueue) HasSpace(n int) bool {
	var space uint32

	prod := q.Idx(q.Prod)
	cons := q.Idx(q.Cons)

	if q.Wrp(q.Prod) == q.Wrp(q.Cons) {
		space = (1 << q.Shift) - (prod - cons)
	} else {
		space = cons - prod
	}

	return space >= uint32(n)
}

// Full holds when the positions are equal but the wrap bits differ.
func (q *LowLevelQueue) Full() bool {
	return q.Idx(q.Prod) == q.Idx(q.Cons) && q.Wrp(q.Prod) != q.Wrp(q.Cons)
}

// Empty holds when positions and wrap bits are both equal.
func (q *LowLevelQueue) Empty() bool {
	return q.Idx(q.Prod) == q.Idx(q.Cons) && q.Wrp(q.Prod) == q.Wrp(q.Cons)
}

// Consumed reports whether the consumer has logically passed prod.
func (q *LowLevelQueue) Consumed(prod uint32) bool {
	return (q.Wrp(q.Cons) == q.Wrp(prod) && q.Idx(q.Cons) > q.Idx(prod)) ||
		(q.Wrp(q.Cons) != q.Wrp(prod) && q.Idx(q.Cons) <= q.Idx(prod))
}

// IncConsumer advances the consumer by one entry, preserving the overflow flag.
func (q *LowLevelQueue) IncConsumer() {
	cons := (q.Wrp(q.Cons) | q.Idx(q.Cons)) + 1
	q.Cons = Ovf(q.Cons) | q.Wrp(cons) | q.Idx(cons)
}

// IncProducerN returns the producer index advanced by n entries. The overflow
// flag of the current producer is carried through untouched, which the command
// queue relies on for its ownership hand-off.
func (q *LowLevelQueue) IncProducerN(n int) uint32 {
	prod := (q.Wrp(q.Prod) | q.Idx(q.Prod)) + uint32(n)
	return Ovf(q.Prod) | q.Wrp(prod) | q.Idx(prod)
}

// Register models a 32-bit hardware register shared between the driver and
// the device. Atomic accesses stand in for the ordered MMIO accessors of a
// real register page.
type Register struct {
	v atomic.Uint32
}

func (r *Register) Load() uint32 {
	return r.v.Load()
}

func (r *Register) Store(val uint32) {
	r.v.Store(val)
}
