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
	"sync/atomic"

	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	"github.com/rs/zerolog"
)

// A stream table entry spans eight 64-bit words. Hardware reads them in no
// defined order, which is what forces the staged update protocol below.
const steWords = 8

// Entry word 0.
const (
	steValid uint64 = 1 << 0

	steCfgShift         = 1
	steCfgMask   uint64 = 0x7
	steCfgAbort  uint64 = 0
	steCfgBypass uint64 = 4
	steCfgS1     uint64 = 5
	steCfgS2     uint64 = 6

	steS1CtxPtrMask uint64 = 0x000f_ffff_ffff_ffc0
	steS1CDMaxShift        = 59
)

// Entry word 1.
const (
	steS1DSSSSID0 uint64 = 0x2

	steS1CIRShift = 2
	steS1CORShift = 4
	steS1CSHShift = 6

	steCacheWBRA  uint64 = 1
	steShareInner uint64 = 3

	steS1StallDisable uint64 = 1 << 27
	steEATSTrans      uint64 = 1 << 28

	steSTRWShift        = 30
	steSTRWNSEL1 uint64 = 0
	steSTRWEL2   uint64 = 2

	steSHCFGIncoming uint64 = 1 << 44
)

// Entry words 2 and 3 (stage 2).
const (
	steS2VMIDMask  uint64 = 0xffff
	steS2VTCRShift        = 32
	steS2VTCRMask  uint64 = 0x7ffff
	steS2AA64      uint64 = 1 << 51
	steS2PTW       uint64 = 1 << 54
	steS2R         uint64 = 1 << 58

	steS2TTBMask uint64 = 0x000f_ffff_ffff_fff0
)

// Two-level layout constants. The low strtabSplit bits of a stream ID index
// into a second-level block, the rest select a first-level descriptor.
const (
	strtabSplit = 8

	strtabL1SpanMask  uint64 = 0x1f
	strtabL1BlockBase uint64 = 1 << 20
)

// steContent is what a master wants its entry to say. At most one of s1 and
// s2 is set; neither means bypass (or abort when the master was never
// assigned and bypass is disabled).
type steContent struct {
	assigned bool
	canStall bool
	s1       *stage1Config
	s2       *stage2Config
}

// tableLayout hides linear vs two-level entry storage. entry returns the
// words backing the given stream ID, allocating second-level blocks on first
// touch.
type tableLayout interface {
	entry(sid uint32) ([]uint64, error)
}

type linearLayout struct {
	entries []uint64
	numEnts uint32
}

func newLinearLayout(sidBits uint) *linearLayout {
	return &linearLayout{
		entries: make([]uint64, (1<<sidBits)*steWords),
		numEnts: 1 << sidBits,
	}
}

func (l *linearLayout) entry(sid uint32) ([]uint64, error) {
	if sid >= l.numEnts {
		return nil, smmuerrors.ErrSIDOutOfRange
	}

	off := int(sid) * steWords

	return l.entries[off : off+steWords], nil
}

// twoLevelLayout keeps a first-level descriptor array and allocates each
// second-level block of 1<<strtabSplit entries on first use. A block is
// filled with bypass entries before its descriptor is linked, so hardware
// never walks into uninitialized memory, and once linked a block is never
// freed.
type twoLevelLayout struct {
	mu     sync.Mutex
	l1     []uint64
	blocks [][]uint64
	numL1  uint32

	bypassDisabled bool
}

func newTwoLevelLayout(sidBits uint, bypassDisabled bool) *twoLevelLayout {
	numL1 := uint32(1) << (sidBits - strtabSplit)

	return &twoLevelLayout{
		l1:             make([]uint64, numL1),
		blocks:         make([][]uint64, numL1),
		numL1:          numL1,
		bypassDisabled: bypassDisabled,
	}
}

func (l *twoLevelLayout) entry(sid uint32) ([]uint64, error) {
	idx := sid >> strtabSplit
	if idx >= l.numL1 {
		return nil, smmuerrors.ErrSIDOutOfRange
	}

	l.mu.Lock()
	block := l.blocks[idx]
	if block == nil {
		block = make([]uint64, (1<<strtabSplit)*steWords)
		initBypassEntries(block, l.bypassDisabled)

		l.blocks[idx] = block

		desc := uint64(strtabSplit+1) & strtabL1SpanMask
		desc |= strtabL1BlockBase * uint64(idx+1)
		atomic.StoreUint64(&l.l1[idx], desc)
	}
	l.mu.Unlock()

	off := int(sid&((1<<strtabSplit)-1)) * steWords

	return block[off : off+steWords], nil
}

// initBypassEntries writes first-time bypass or abort entries. The entries
// are not yet visible to hardware, so no maintenance commands are needed.
func initBypassEntries(entries []uint64, bypassDisabled bool) {
	ste := steContent{}

	for off := 0; off < len(entries); off += steWords {
		writeEntryWords(entries[off:off+steWords], &ste, bypassDisabled, 0)
	}
}

// streamTable owns the per-stream translation contexts hardware walks on
// every transaction.
type streamTable struct {
	layout tableLayout
	cmdq   *commandQueue

	features       Feature
	bypassDisabled bool
	skipPrefetch   bool

	logger zerolog.Logger
}

func newStreamTable(config *Config, cmdq *commandQueue, logger zerolog.Logger) *streamTable {
	twoLevel := config.hasFeature(FeatTwoLevelStreamTable)
	if twoLevel && config.sidBits <= strtabSplit {
		// The whole ID space fits in a single second-level block; the
		// indirection would only add a descriptor walk.
		logger.Warn().
			Uint("sidBits", config.sidBits).
			Msg("stream id space too small for a two-level table, using linear")

		twoLevel = false
	}

	var layout tableLayout
	if twoLevel {
		layout = newTwoLevelLayout(config.sidBits, config.bypassDisabled)
	} else {
		layout = newLinearLayout(config.sidBits)
		initBypassEntries(layout.(*linearLayout).entries, config.bypassDisabled)
	}

	return &streamTable{
		layout:         layout,
		cmdq:           cmdq,
		features:       config.features,
		bypassDisabled: config.bypassDisabled,
		skipPrefetch:   config.hasOption(OptSkipPrefetch),
		logger:         logger,
	}
}

// syncEntry makes hardware drop any cached state for the stream's entry and
// waits until it has.
func (t *streamTable) syncEntry(sid uint32) error {
	cmd := Command{
		Opcode: OpCfgiSTE,
		Cfgi:   CfgiCmd{SID: sid, Leaf: true},
	}

	if err := t.cmdq.issueCommand(&cmd); err != nil {
		return err
	}

	return t.cmdq.issueSync()
}

// writeEntryWords encodes ste into dst, returning the word 0 value which the
// caller publishes last. Words are stored atomically because hardware may
// sample them at any moment.
func writeEntryWords(dst []uint64, ste *steContent, bypassDisabled bool, features Feature) uint64 {
	val := steValid

	if !ste.assigned || (ste.s1 == nil && ste.s2 == nil) {
		if !ste.assigned && bypassDisabled {
			val |= steCfgAbort << steCfgShift
		} else {
			val |= steCfgBypass << steCfgShift
		}

		atomic.StoreUint64(&dst[0], val)
		atomic.StoreUint64(&dst[1], steSHCFGIncoming)
		atomic.StoreUint64(&dst[2], 0)

		return val
	}

	if ste.s1 != nil {
		strw := steSTRWNSEL1
		if features&FeatE2H != 0 {
			strw = steSTRWEL2
		}

		word1 := steS1DSSSSID0 |
			steCacheWBRA<<steS1CIRShift |
			steCacheWBRA<<steS1CORShift |
			steShareInner<<steS1CSHShift |
			steEATSTrans |
			strw<<steSTRWShift

		if features&FeatStalls != 0 &&
			features&FeatStallForce == 0 && !ste.canStall {
			word1 |= steS1StallDisable
		}

		atomic.StoreUint64(&dst[1], word1)

		val |= ste.s1.cdTableBase & steS1CtxPtrMask
		val |= steCfgS1 << steCfgShift
		val |= uint64(ste.s1.cdMax) << steS1CDMaxShift
	}

	if ste.s2 != nil {
		word2 := uint64(ste.s2.vmid) & steS2VMIDMask
		word2 |= (ste.s2.vtcr & steS2VTCRMask) << steS2VTCRShift
		word2 |= steS2PTW | steS2AA64 | steS2R

		atomic.StoreUint64(&dst[2], word2)
		atomic.StoreUint64(&dst[3], ste.s2.vttbr&steS2TTBMask)

		val |= steCfgS2 << steCfgShift
	}

	return val
}

// writeEntry publishes new content for a stream's entry. The memory cannot
// be rewritten atomically and hardware may read it torn, so only three
// transitions are performed:
//
//  1. invalid -> bypass/abort: plain writes, the entry was never live.
//  2. bypass/abort -> translate: write every word except word 0, invalidate
//     and sync so cached negative state is dropped, publish word 0 with a
//     single store, invalidate and sync again for anything fetched between
//     the two writes.
//  3. translate/bypass -> bypass/abort: rewrite word 0 alone, sync.
//
// A live translate entry cannot move straight to another translate config.
func (t *streamTable) writeEntry(sid uint32, ste *steContent) error {
	dst, err := t.layout.entry(sid)
	if err != nil {
		return err
	}

	val := atomic.LoadUint64(&dst[0])

	steLive := false
	if val&steValid != 0 {
		switch (val >> steCfgShift) & steCfgMask {
		case steCfgS1, steCfgS2:
			steLive = true
		}
	}

	if !ste.assigned || (ste.s1 == nil && ste.s2 == nil) {
		writeEntryWords(dst, ste, t.bypassDisabled, t.features)

		// Hardware can cache the absence of a translation too, so sync
		// even when the old value was not live.
		return t.syncEntry(sid)
	}

	if steLive {
		return smmuerrors.ErrSTELive
	}

	val = writeEntryWords(dst[:], ste, t.bypassDisabled, t.features)

	if err := t.syncEntry(sid); err != nil {
		return err
	}

	atomic.StoreUint64(&dst[0], val)

	if err := t.syncEntry(sid); err != nil {
		return err
	}

	// The new context is likely about to be used.
	if !t.skipPrefetch {
		cmd := Command{
			Opcode:   OpPrefetchCfg,
			Prefetch: PrefetchCmd{SID: sid},
		}

		return t.cmdq.issueCommand(&cmd)
	}

	return nil
}
