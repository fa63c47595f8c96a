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

package ringq

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrAgain indicates the queue holds no consumable entries right now.
	ErrAgain = errors.New("queue is empty")
	// ErrOverflow indicates hardware toggled the producer overflow flag,
	// i.e. entries were dropped because the ring wrapped onto the consumer.
	ErrOverflow = errors.New("queue overflowed")
	// ErrTimeout indicates a queue poll exceeded its deadline.
	ErrTimeout = errors.New("queue poll timeout")
)

// Queue couples a LowLevelQueue shadow with the entry storage and the pair of
// hardware-shared registers. The shadow indices are private to the driver;
// the registers are the only state hardware observes or advances.
//
// Entry words are accessed with atomic loads and stores. Hardware reads and
// writes the storage concurrently with the CPUs, so plain accesses would be
// torn from its point of view.
type Queue struct {
	LLQ LowLevelQueue

	ProdReg *Register
	ConsReg *Register

	base     []uint64
	entWords int
}

// NewQueue allocates a queue with 1<<shift entries of entWords 64-bit words
// each, along with its register pair. Shadow indices and registers start at
// zero: an all-zero queue is empty.
func NewQueue(shift uint, entWords int) *Queue {
	return &Queue{
		LLQ:      LowLevelQueue{Shift: shift},
		ProdReg:  &Register{},
		ConsReg:  &Register{},
		base:     make([]uint64, (1<<shift)*entWords),
		entWords: entWords,
	}
}

// EntryWords returns the size of one entry in 64-bit words.
func (q *Queue) EntryWords() int {
	return q.entWords
}

// Capacity returns the number of entries in the ring.
func (q *Queue) Capacity() int {
	return 1 << q.LLQ.Shift
}

func (q *Queue) entryOffset(prod uint32) int {
	return int(q.LLQ.Idx(prod)) * q.entWords
}

// WriteEntry stores one entry at the slot addressed by prod. Only the thread
// that has claimed the slot may call this.
func (q *Queue) WriteEntry(prod uint32, src []uint64) {
	off := q.entryOffset(prod)
	for i := 0; i < q.entWords; i++ {
		atomic.StoreUint64(&q.base[off+i], src[i])
	}
}

// ReadEntry loads the entry at the slot addressed by prod into dst.
func (q *Queue) ReadEntry(dst []uint64, prod uint32) {
	off := q.entryOffset(prod)
	for i := 0; i < q.entWords; i++ {
		dst[i] = atomic.LoadUint64(&q.base[off+i])
	}
}

// LoadWord loads a single word of the slot addressed by prod. Used to spin on
// completion markers the hardware writes back into the queue.
func (q *Queue) LoadWord(prod uint32, word int) uint64 {
	return atomic.LoadUint64(&q.base[q.entryOffset(prod)+word])
}

// StoreWord stores a single word of the slot addressed by prod.
func (q *Queue) StoreWord(prod uint32, word int, val uint64) {
	atomic.StoreUint64(&q.base[q.entryOffset(prod)+word], val)
}

// RemoveRaw pops the next entry into dst, advancing the shadow consumer and
// publishing it to hardware. Returns ErrAgain when the shadow shows empty.
func (q *Queue) RemoveRaw(dst []uint64) error {
	if q.LLQ.Empty() {
		return ErrAgain
	}

	q.ReadEntry(dst, q.LLQ.Cons)
	q.LLQ.IncConsumer()
	q.SyncConsOut()

	return nil
}

// SyncConsOut publishes the shadow consumer to the hardware register. The
// atomic store orders all prior reads of consumed entries before the value
// becomes observable, so hardware cannot recycle a slot we are still reading.
func (q *Queue) SyncConsOut() {
	q.ConsReg.Store(q.LLQ.Cons)
}

// SyncProdIn refreshes the shadow producer from the hardware register and
// reports ErrOverflow when the overflow flag changed underneath us.
func (q *Queue) SyncProdIn() error {
	var err error

	prod := q.ProdReg.Load()
	if Ovf(prod) != Ovf(q.LLQ.Prod) {
		err = ErrOverflow
	}

	q.LLQ.Prod = prod

	return err
}
