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
	"math"
	"runtime"
	"sync/atomic"
	"time"

	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	"github.com/pawelgaczynski/smmu/ringq"
	"github.com/rs/zerolog"
	"golang.org/x/sys/cpu"
)

// The queue is shared among every submitting goroutine, so insertion is
// split into ranges of commands owned by whichever submitter reserved the
// head while it was unowned. The owner may not have written all commands in
// its range, but is responsible for advancing the hardware producer register
// once they all become valid:
//
//  1. Reserve space, discovering in the same CAS whether we are the owner.
//  2. Write our commands into the reserved slots.
//  3. Mark our slots valid in the bitmap.
//  4. If owner: wait for the previous owner, stop gathering by clearing the
//     owned flag, wait for the gathered range to become valid, advance the
//     hardware producer register, hand off to the next owner.
//  5. If we appended a sync marker, wait for hardware to complete it:
//     writeback into the sync slot when supported, else poll the consumer
//     register past our slot.
type commandQueue struct {
	q *ringq.Queue

	// state packs the shadow producer (high word, carrying the owned flag
	// in its top bit) and the cached consumer (low word). A single CAS on
	// the pair is what makes slot reservation atomic against other
	// producers while keeping space accounting consistent.
	state atomic.Uint64
	_     cpu.CacheLinePad

	// ownerProd is the hand-off token between successive owners: the
	// producer value the previous owner published to hardware.
	ownerProd atomic.Uint32
	_         cpu.CacheLinePad

	// lock is a shared/exclusive counter: positive values count sync
	// waiters holding it shared, math.MinInt32 marks the error-recovery
	// path holding it exclusive.
	lock atomic.Int32
	_    cpu.CacheLinePad

	// validMap has one bit per slot; the valid value is the inverse of the
	// slot's wrap bit, so the zero-initialized queue starts invalid and
	// flips meaning every revolution.
	validMap []uint64

	writeback bool
	timeout   time.Duration
	logger    zerolog.Logger
}

const (
	cmdqProdOwnedFlag = ringq.OverflowFlag

	cmdqConsErrShift        = 24
	cmdqConsErrMask  uint32 = 0x7f

	cerrorNone uint32 = 0
	cerrorIll  uint32 = 1
	cerrorAbt  uint32 = 2

	// Base of the address range sync writeback completions are aimed at.
	// The low bits select the sync slot, so the value stays non-zero for
	// slot zero as well.
	syncWritebackBase uint64 = 0x8000000
)

func newCommandQueue(
	shift uint, writeback bool, timeout time.Duration, logger zerolog.Logger,
) *commandQueue {
	return &commandQueue{
		q:         ringq.NewQueue(shift, cmdWords),
		validMap:  make([]uint64, ((1<<shift)+63)/64),
		writeback: writeback,
		timeout:   timeout,
		logger:    logger,
	}
}

func packState(prod, cons uint32) uint64 {
	return uint64(prod)<<32 | uint64(cons)
}

func (c *commandQueue) loadState() ringq.LowLevelQueue {
	val := c.state.Load()

	return ringq.LowLevelQueue{
		Prod:  uint32(val >> 32),
		Cons:  uint32(val),
		Shift: c.q.LLQ.Shift,
	}
}

// storeCons publishes a fresher consumer value into the shared state. The
// producer half rides along unchanged; concurrent reservations simply retry.
func (c *commandQueue) storeCons(cons uint32) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old&^uint64(math.MaxUint32)|uint64(cons)) {
			return
		}
	}
}

// clearOwned strips the owned flag from the shared producer, returning the
// producer value whose publication this owner is now responsible for.
func (c *commandQueue) clearOwned() uint32 {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old&^(uint64(cmdqProdOwnedFlag)<<32)) {
			return uint32(old>>32) &^ cmdqProdOwnedFlag
		}
	}
}

// Queue locking: only sharedLock and exclusiveTryLock exist, and successful
// unlocks have release semantics. sharedTryUnlock fails if the caller looks
// like the last holder, which lets that caller publish the consumer value it
// learned before anyone else acquires the lock.
func (c *commandQueue) sharedLock() {
	// The fast path is a bare increment: while held exclusively the
	// counter sits at math.MinInt32, so stray increments keep it negative
	// and are harmless.
	if c.lock.Add(1) > 0 {
		return
	}

	for {
		val := c.lock.Load()
		if val < 0 {
			runtime.Gosched()

			continue
		}

		if c.lock.CompareAndSwap(val, val+1) {
			return
		}
	}
}

func (c *commandQueue) sharedUnlock() {
	c.lock.Add(-1)
}

func (c *commandQueue) sharedTryUnlock() bool {
	if c.lock.Load() == 1 {
		return false
	}

	c.sharedUnlock()

	return true
}

func (c *commandQueue) exclusiveTryLock() bool {
	return c.lock.CompareAndSwap(0, math.MinInt32)
}

func (c *commandQueue) exclusiveUnlock() {
	c.lock.Store(0)
}

// scanValidMap walks the bitmap words covering [sprod, eprod) and either
// toggles the range's bits (set) or spins until every bit matches the valid
// pattern for its wrap state (poll).
func (c *commandQueue) scanValidMap(sprod, eprod uint32, set bool) {
	llq := ringq.LowLevelQueue{Shift: c.q.LLQ.Shift, Prod: sprod}

	ewidx := int(llq.Idx(eprod)) / 64
	ebidx := int(llq.Idx(eprod)) % 64

	for llq.Prod != eprod {
		// A chunk must not run past the wrap boundary: on a queue smaller
		// than one bitmap word a full-word step would skip whole
		// revolutions and miss eprod entirely.
		limit := 64
		if size := 1 << llq.Shift; size < limit {
			limit = size
		}

		swidx := int(llq.Idx(llq.Prod)) / 64
		sbidx := int(llq.Idx(llq.Prod)) % 64
		ptr := &c.validMap[swidx]

		if swidx == ewidx && sbidx < ebidx {
			limit = ebidx
		}

		mask := (^uint64(0) >> (64 - (limit - sbidx))) << sbidx

		if set {
			atomicXor(ptr, mask)
		} else {
			// Valid is the inverse of the wrap bit: a range written
			// on an odd revolution reads back as zeros.
			var valid uint64
			if llq.Wrp(llq.Prod) == 0 {
				valid = mask
			}

			for atomic.LoadUint64(ptr)&mask != valid {
				runtime.Gosched()
			}
		}

		llq.Prod = llq.IncProducerN(limit - sbidx)
	}
}

func atomicXor(ptr *uint64, mask uint64) {
	for {
		old := atomic.LoadUint64(ptr)
		if atomic.CompareAndSwapUint64(ptr, old, old^mask) {
			return
		}
	}
}

// setValidMap marks all entries in [sprod, eprod) valid. The atomic bitmap
// update also orders the preceding payload writes before the bits flip, so a
// reader that observes valid bits observes the commands too.
func (c *commandQueue) setValidMap(sprod, eprod uint32) {
	c.scanValidMap(sprod, eprod, true)
}

// pollValidMap waits for all entries in [sprod, eprod) to become valid.
func (c *commandQueue) pollValidMap(sprod, eprod uint32) {
	c.scanValidMap(sprod, eprod, false)
}

// pollUntilSpace refreshes the cached consumer until n entries fit, by
// reading the live register under the exclusive lock when available, else by
// spinning until whoever holds it updates the shared state for us.
func (c *commandQueue) pollUntilSpace(llq *ringq.LowLevelQueue, n int) error {
	poller := ringq.NewPoller(c.timeout)

	for {
		if c.exclusiveTryLock() {
			c.storeCons(c.q.ConsReg.Load())
			c.exclusiveUnlock()
		}

		*llq = c.loadState()
		if llq.HasSpace(n) {
			return nil
		}

		if err := poller.Poll(); err != nil {
			return smmuerrors.ErrTimeout
		}
	}
}

// pollUntilWriteback waits for hardware to zero the first word of the sync
// slot at llq.Prod. Requires the queue lock held in some capacity.
func (c *commandQueue) pollUntilWriteback(llq *ringq.LowLevelQueue) error {
	poller := ringq.NewPoller(c.timeout)

	for c.q.LoadWord(llq.Prod, 0) != 0 {
		if err := poller.Poll(); err != nil {
			llq.Cons = llq.Prod

			return smmuerrors.ErrTimeout
		}
	}

	llq.Cons = llq.IncProducerN(1)

	return nil
}

// pollUntilConsumed waits for the hardware consumer register to pass
// llq.Prod. Requires the queue lock held in some capacity. The register is
// re-read on every step with full ordering so that a later sharedTryUnlock
// observes every sharedLock taken by sync waiters sharing our owner.
func (c *commandQueue) pollUntilConsumed(llq *ringq.LowLevelQueue) error {
	prod := llq.Prod
	poller := ringq.NewPoller(c.timeout)
	*llq = c.loadState()

	for {
		if llq.Consumed(prod) {
			return nil
		}

		if err := poller.Poll(); err != nil {
			return smmuerrors.ErrTimeout
		}

		llq.Cons = c.q.ConsReg.Load()
	}
}

func (c *commandQueue) pollUntilSync(llq *ringq.LowLevelQueue) error {
	if c.writeback {
		return c.pollUntilWriteback(llq)
	}

	return c.pollUntilConsumed(llq)
}

func (c *commandQueue) buildSyncCommand(dst []uint64, prod uint32) {
	cmd := Command{Opcode: OpCmdSync}
	if c.writeback {
		cmd.Sync.MSIAddr = syncWritebackBase +
			uint64(c.q.LLQ.Idx(prod))*uint64(cmdWords)*8
	}

	// CMD_SYNC always encodes; the error path is unreachable here.
	_ = cmd.build(dst)
}

func (c *commandQueue) writeEntries(cmds []uint64, prod uint32, n int) {
	llq := ringq.LowLevelQueue{Shift: c.q.LLQ.Shift, Prod: prod}

	for i := 0; i < n; i++ {
		c.q.WriteEntry(llq.IncProducerN(i), cmds[i*cmdWords:(i+1)*cmdWords])
	}
}

// issueCommands inserts n pre-built commands, plus a trailing sync marker
// when sync is set, and in that case does not return until hardware has
// consumed the marker or the poll timeout elapsed. Commands land contiguously
// in reservation order; the only cross-caller ordering guarantee is the one a
// waited-on sync provides.
func (c *commandQueue) issueCommands(cmds []uint64, n int, sync bool) error {
	syncSlots := 0
	if sync {
		syncSlots = 1
	}

	var head ringq.LowLevelQueue

	// 1. Allocate space in the queue.
	llq := c.loadState()
	for {
		if !llq.HasSpace(n + syncSlots) {
			if err := c.pollUntilSpace(&llq, n+syncSlots); err != nil {
				c.logger.Error().
					Uint32("prod", llq.Prod).
					Uint32("cons", llq.Cons).
					Msg("command queue full, hardware stalled")

				return err
			}
		}

		head = llq
		head.Prod = llq.IncProducerN(n+syncSlots) | cmdqProdOwnedFlag

		if c.state.CompareAndSwap(
			packState(llq.Prod, llq.Cons), packState(head.Prod, head.Cons),
		) {
			break
		}

		llq = c.loadState()
	}

	owner := llq.Prod&cmdqProdOwnedFlag == 0
	head.Prod &^= cmdqProdOwnedFlag
	llq.Prod &^= cmdqProdOwnedFlag

	// 2. Write our commands into the claimed slots. Nothing is visible to
	// hardware yet: the producer register still sits below them.
	c.writeEntries(cmds, llq.Prod, n)

	syncProd := llq.Prod
	if sync {
		syncProd = llq.IncProducerN(n)

		var buf [cmdWords]uint64
		c.buildSyncCommand(buf[:], syncProd)
		c.q.WriteEntry(syncProd, buf[:])

		// Completion detection must notice if the queue wraps twice.
		// Holding the lock shared before our slot turns valid keeps the
		// cached consumer frozen for as long as we may still inspect it.
		c.sharedLock()
	}

	// 3. Mark our slots valid, ordered after the payload writes.
	c.setValidMap(llq.Prod, head.Prod)

	// 4. The owner publishes everything gathered behind it to hardware.
	if owner {
		// Wait for the previous owner to finish.
		for c.ownerProd.Load() != llq.Prod {
			runtime.Gosched()
		}

		// Stop gathering: later reservations start a new owned range.
		prod := c.clearOwned()

		// Our own bits are part of the range, so this read-back also
		// gives the ordering the register write below depends on.
		c.pollValidMap(llq.Prod, prod)

		c.q.ProdReg.Store(prod)

		// Hardware saw the new producer; let the next owner through.
		c.ownerProd.Store(prod)
	}

	// 5. Wait for our sync marker, then drop the shared lock, publishing
	// the consumer value we learned if we are the last one out.
	var err error
	if sync {
		llq.Prod = syncProd

		err = c.pollUntilSync(&llq)
		if err != nil {
			c.logger.Error().
				Uint32("prod", llq.Prod).
				Uint32("hw_prod", c.q.ProdReg.Load()).
				Uint32("hw_cons", c.q.ConsReg.Load()).
				Msg("sync marker consumption timeout")
		}

		if !c.sharedTryUnlock() {
			c.storeCons(llq.Cons)
			c.sharedUnlock()
		}
	}

	return err
}

func (c *commandQueue) issueCommand(cmd *Command) error {
	var buf [cmdWords]uint64

	if err := cmd.build(buf[:]); err != nil {
		c.logger.Warn().
			Str("opcode", cmd.Opcode.String()).
			Err(err).
			Msg("rejecting malformed command")

		return err
	}

	return c.issueCommands(buf[:], 1, false)
}

func (c *commandQueue) issueSync() error {
	return c.issueCommands(nil, 0, true)
}

// skipError recovers from a hardware-reported consumption error: dump the
// offending entry, then overwrite it in place with a harmless CMD_SYNC so
// the consumer can move past it. Runs with concurrent producers active, so
// it must not touch any shadow queue state.
func (c *commandQueue) skipError() {
	cons := c.q.ConsReg.Load()
	reason := (cons >> cmdqConsErrShift) & cmdqConsErrMask

	c.logger.Error().
		Uint32("cons", cons).
		Str("reason", cerrorString(reason)).
		Msg("command queue consumption error")

	switch reason {
	case cerrorAbt:
		c.logger.Error().Msg("retrying command fetch")

		return
	case cerrorNone:
		return
	}

	ent := make([]uint64, cmdWords)
	c.q.ReadEntry(ent, cons)

	c.logger.Error().
		Uint64("word0", ent[0]).
		Uint64("word1", ent[1]).
		Msg("skipping command in error state")

	var buf [cmdWords]uint64
	_ = (&Command{Opcode: OpCmdSync}).build(buf[:])
	c.q.WriteEntry(cons, buf[:])
}

func cerrorString(reason uint32) string {
	switch reason {
	case cerrorNone:
		return "no error"
	case cerrorIll:
		return "illegal command"
	case cerrorAbt:
		return "abort on command fetch"
	default:
		return "unknown"
	}
}
