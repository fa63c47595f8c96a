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

package smmu

import (
	"sync"

	"github.com/alitto/pond"
	"github.com/pawelgaczynski/smmu/ringq"
	"github.com/rs/zerolog"
)

const (
	evtWords = 4
	priWords = 2
)

// Event ring entry fields.
const (
	evtIDMask uint64 = 0xff

	evtTranslationFault uint64 = 0x10
	evtAddrSizeFault    uint64 = 0x11
	evtAccessFault      uint64 = 0x12
	evtPermissionFault  uint64 = 0x13

	evtSSV       uint64 = 1 << 11
	evtSSIDShift        = 12
	evtSSIDMask  uint64 = 0xfffff
	evtSIDShift         = 32

	evtSTagMask uint64 = 0xffff
	evtStall    uint64 = 1 << 31
	evtPriv     uint64 = 1 << 33
	evtExec     uint64 = 1 << 34
	evtRead     uint64 = 1 << 35
	evtS2       uint64 = 1 << 39
)

// Page-request ring entry fields.
const (
	priSIDMask   uint64 = 0xffffffff
	priSSIDShift        = 32
	priSSIDMask  uint64 = 0xfffff
	priPermPriv  uint64 = 1 << 58
	priPermExec  uint64 = 1 << 59
	priPermRead  uint64 = 1 << 60
	priPermWrite uint64 = 1 << 61
	priPrgLast   uint64 = 1 << 62
	priSSIDValid uint64 = 1 << 63

	priGrpIDMask uint64 = 0x1ff
	priAddrMask  uint64 = ^uint64(0xfff)
)

// eventQueue drains one hardware-produced ring. The hardware interrupt is
// deferred onto a single-worker pool so the handler context may block, e.g.
// while reporting a fault; one worker keeps drains serialized per ring.
type eventQueue struct {
	name string
	q    *ringq.Queue

	mu    sync.Mutex
	cond  *sync.Cond
	batch uint64

	pool   *pond.WorkerPool
	handle func(ent []uint64)
	logger zerolog.Logger
}

func newEventQueue(
	name string, shift uint, entWords int,
	handle func(ent []uint64), logger zerolog.Logger,
) *eventQueue {
	e := &eventQueue{
		name:   name,
		q:      ringq.NewQueue(shift, entWords),
		pool:   pond.New(1, 1<<shift),
		handle: handle,
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

// interrupt is the ring's doorbell: hardware produced entries and bumped the
// producer register.
func (e *eventQueue) interrupt() {
	e.pool.Submit(e.drain)
}

func (e *eventQueue) close() {
	e.pool.StopAndWait()
}

// drain consumes everything currently visible, dispatching each entry with
// the queue unlocked, and wakes flush waiters once per full batch and once
// at the end.
func (e *eventQueue) drain() {
	var (
		numHandled int
		ent        = make([]uint64, e.q.EntryWords())
	)

	queueSize := e.q.Capacity()

	e.mu.Lock()
	for {
		for e.q.RemoveRaw(ent) == nil {
			e.mu.Unlock()
			e.handle(ent)
			e.mu.Lock()

			numHandled++
			if numHandled == queueSize {
				e.batch++
				e.cond.Broadcast()
				numHandled = 0
			}
		}

		// Not much we can do about an overflow: the entries are gone.
		if e.q.SyncProdIn() == ringq.ErrOverflow {
			e.logger.Error().
				Str("queue", e.name).
				Msg("overflow detected, events lost")
		}

		if e.q.LLQ.Empty() {
			break
		}
	}

	// We believe we are up to speed, so adopt the hardware overflow flag.
	llq := &e.q.LLQ
	llq.Cons = ringq.Ovf(llq.Prod) | llq.Wrp(llq.Cons) | llq.Idx(llq.Cons)
	e.q.SyncConsOut()

	e.batch++
	e.cond.Broadcast()
	e.mu.Unlock()
}

// flush blocks until every entry enqueued before the call has been
// dispatched: either the ring reports empty or two batches completed after
// entry. Two, because a waiter arriving mid-batch cannot tell whether that
// batch already covered its entries. Batch counter wrap is ignored.
func (e *eventQueue) flush() {
	e.mu.Lock()

	if e.q.SyncProdIn() == ringq.ErrOverflow {
		e.logger.Error().
			Str("queue", e.name).
			Msg("overflow detected, events lost")
	}

	if !e.q.LLQ.Empty() {
		e.pool.TrySubmit(e.drain)
	}

	batch := e.batch
	for !e.q.LLQ.Empty() && e.batch < batch+2 {
		e.cond.Wait()
	}

	e.mu.Unlock()
}

// FaultType distinguishes recoverable page requests from faults that already
// aborted the access.
type FaultType uint8

const (
	// FaultUnrecoverable reports a DMA access that hardware aborted.
	FaultUnrecoverable FaultType = iota
	// FaultPageRequest reports a stalled or PRI access awaiting a page
	// response.
	FaultPageRequest
)

// FaultReason classifies what failed during the walk.
type FaultReason uint8

const (
	// ReasonPTEFetch covers translation, address-size and access faults.
	ReasonPTEFetch FaultReason = iota
	// ReasonPermission covers permission faults.
	ReasonPermission
)

// Access describes the faulting transaction.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
	AccessPriv
)

// FaultEvent is a decoded fault or page-request handed to a master's fault
// handler.
type FaultEvent struct {
	Type        FaultType
	Reason      FaultReason
	SID         uint32
	SSID        uint32
	SSIDValid   bool
	STag        uint16
	Addr        uint64
	Access      Access
	LastRequest bool
}

// FaultHandler consumes fault events for one master. Returning false for a
// page-request event makes the controller answer it with a failure response.
type FaultHandler func(event FaultEvent) bool
