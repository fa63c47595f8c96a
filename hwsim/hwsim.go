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

// Package hwsim is a software stand-in for the translation hardware: it
// consumes the command ring in FIFO order, completes sync markers the way
// the controller expects, and produces event and page-request ring entries
// on demand. Tests and examples drive it instead of a device.
package hwsim

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pawelgaczynski/smmu/ringq"
)

// Command ring wire format, as far as the model needs to parse it.
const (
	cmdOpMask    uint64 = 0xff
	cmdOpSync    uint64 = 0x46
	cmdCSShift          = 12
	cmdCSMask    uint64 = 0x3
	cmdCSIRQ     uint64 = 1
	consErrShift        = 24
)

// GErrorCmdq mirrors the command queue bit of the global error summary.
const GErrorCmdq uint32 = 1 << 0

type Option func(*Model)

// WithEventRing attaches the event ring the model produces into; notify is
// invoked after the producer register moves, like an interrupt line.
func WithEventRing(q *ringq.Queue, notify func()) Option {
	return func(m *Model) {
		m.evtq = q
		m.notifyEvent = notify
	}
}

// WithPRIRing attaches the page-request ring the model produces into.
func WithPRIRing(q *ringq.Queue, notify func()) Option {
	return func(m *Model) {
		m.priq = q
		m.notifyPRI = notify
	}
}

// WithOnCommand installs a hook observing every executed command in
// consumption order. The entry slice is only valid during the call.
func WithOnCommand(hook func(ent []uint64)) Option {
	return func(m *Model) {
		m.onCommand = hook
	}
}

// WithOnGlobalError installs the global error interrupt line.
func WithOnGlobalError(hook func(active uint32)) Option {
	return func(m *Model) {
		m.onGlobalError = hook
	}
}

// Model is the simulated device. One background goroutine plays the
// command consumer; event production happens on the injecting goroutine.
type Model struct {
	cmdq *ringq.Queue
	evtq *ringq.Queue
	priq *ringq.Queue

	notifyEvent   func()
	notifyPRI     func()
	onCommand     func(ent []uint64)
	onGlobalError func(active uint32)

	// failReason, when non-zero, makes the consumer refuse the next
	// command and latch the reason into the consumer register until the
	// slot is rewritten as a sync.
	failReason atomic.Uint32
	halted     bool

	executed atomic.Uint64

	evtMu     sync.Mutex
	evtShadow ringq.LowLevelQueue
	priMu     sync.Mutex
	priShadow ringq.LowLevelQueue

	stop chan struct{}
	done chan struct{}
}

func New(cmdq *ringq.Queue, opts ...Option) *Model {
	m := &Model{
		cmdq: cmdq,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.evtq != nil {
		m.evtShadow.Shift = m.evtq.LLQ.Shift
	}

	if m.priq != nil {
		m.priShadow.Shift = m.priq.LLQ.Shift
	}

	return m
}

// Start launches the command consumer.
func (m *Model) Start() {
	go m.run()
}

// Stop halts the consumer after it finishes the entry in flight.
func (m *Model) Stop() {
	close(m.stop)
	<-m.done
}

// Executed returns how many commands the model has consumed.
func (m *Model) Executed() uint64 {
	return m.executed.Load()
}

// FailNextCommand makes the model report a consumption error with the
// given reason instead of executing the next non-sync command.
func (m *Model) FailNextCommand(reason uint32) {
	m.failReason.Store(reason)
}

func (m *Model) run() {
	defer close(m.done)

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		if !m.consumeOne() {
			runtime.Gosched()
		}
	}
}

// consumeOne executes the entry at the consumer position, if any. Sync
// markers with writeback completion get their lead word zeroed in place.
func (m *Model) consumeOne() bool {
	q := m.cmdq
	llq := &q.LLQ

	llq.Prod = q.ProdReg.Load()
	if llq.Empty() {
		return false
	}

	ent := make([]uint64, q.EntryWords())
	q.ReadEntry(ent, llq.Cons)

	isSync := ent[0]&cmdOpMask == cmdOpSync

	if m.halted {
		// A halted consumer re-fetches the offending slot until the
		// driver overwrites it.
		if !isSync {
			return false
		}

		m.halted = false
	}

	if reason := m.failReason.Swap(0); reason != 0 && !isSync {
		m.halted = true
		q.ConsReg.Store(llq.Cons | reason<<consErrShift)

		if m.onGlobalError != nil {
			m.onGlobalError(GErrorCmdq)
		}

		return false
	}

	if m.onCommand != nil {
		m.onCommand(ent)
	}

	if isSync && (ent[0]>>cmdCSShift)&cmdCSMask == cmdCSIRQ {
		q.StoreWord(llq.Cons, 0, 0)
	}

	m.executed.Add(1)

	llq.IncConsumer()
	q.ConsReg.Store(llq.Cons)

	return true
}

// InjectEvent produces one entry into the event ring, returning false and
// toggling the overflow flag when the ring is full.
func (m *Model) InjectEvent(ent []uint64) bool {
	m.evtMu.Lock()
	defer m.evtMu.Unlock()

	ok := inject(m.evtq, &m.evtShadow, ent)
	m.notifyEvent()

	return ok
}

// InjectPageRequest produces one entry into the page-request ring.
func (m *Model) InjectPageRequest(ent []uint64) bool {
	m.priMu.Lock()
	defer m.priMu.Unlock()

	ok := inject(m.priq, &m.priShadow, ent)
	m.notifyPRI()

	return ok
}

func inject(q *ringq.Queue, shadow *ringq.LowLevelQueue, ent []uint64) bool {
	shadow.Cons = q.ConsReg.Load()

	if shadow.Full() {
		shadow.Prod ^= ringq.OverflowFlag
		q.ProdReg.Store(shadow.Prod)

		return false
	}

	q.WriteEntry(shadow.Prod, ent)
	shadow.Prod = shadow.IncProducerN(1)
	q.ProdReg.Store(shadow.Prod)

	return true
}
