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
	"testing"

	"github.com/pawelgaczynski/smmu/hwsim"
	"github.com/pawelgaczynski/smmu/logger"
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func newTestStreamTable(t *testing.T, opts ...ControllerOption) (*streamTable, *hwsim.Model) {
	t.Helper()

	cmdq := newTestCommandQueue(5, false)
	model := hwsim.New(cmdq.q)
	model.Start()
	t.Cleanup(model.Stop)

	config := NewConfig(opts...)
	strtab := newStreamTable(
		&config, cmdq, logger.NewLogger("strtab", logger.Disabled, false),
	)

	return strtab, model
}

func steConfig(word0 uint64) uint64 {
	return (word0 >> steCfgShift) & steCfgMask
}

func TestWriteEntryBypassToTranslateAndBack(t *testing.T) {
	strtab, _ := newTestStreamTable(t, WithStreamIDBits(8))

	const sid = 42

	s1 := &stage1Config{asid: 5, cdTableBase: 0x1000}

	NoError(t, strtab.writeEntry(sid, &steContent{assigned: true, s1: s1}))

	ent, err := strtab.layout.entry(sid)
	NoError(t, err)
	Equal(t, steCfgS1, steConfig(ent[0]))
	NotZero(t, ent[0]&steS1CtxPtrMask)

	NoError(t, strtab.writeEntry(sid, &steContent{}))
	Equal(t, steCfgBypass, steConfig(ent[0]))
	Zero(t, ent[2])
}

func TestWriteEntryRejectsLiveRewrite(t *testing.T) {
	strtab, _ := newTestStreamTable(t, WithStreamIDBits(8))

	const sid = 3

	NoError(t, strtab.writeEntry(sid, &steContent{
		assigned: true,
		s1:       &stage1Config{asid: 1, cdTableBase: 0x1000},
	}))

	err := strtab.writeEntry(sid, &steContent{
		assigned: true,
		s2:       &stage2Config{vmid: 2, vttbr: 0x2000},
	})
	ErrorIs(t, err, smmuerrors.ErrSTELive)
}

func TestWriteEntrySIDOutOfRange(t *testing.T) {
	strtab, _ := newTestStreamTable(t, WithStreamIDBits(8))

	err := strtab.writeEntry(1<<8, &steContent{})
	ErrorIs(t, err, smmuerrors.ErrSIDOutOfRange)
}

// A reader racing with attach and detach must only ever observe the
// pre-state, bypass, or the post-state; never translate config with a zero
// context pointer.
func TestWriteEntryNeverTorn(t *testing.T) {
	strtab, _ := newTestStreamTable(t, WithStreamIDBits(8))

	const sid = 7

	ent, err := strtab.layout.entry(sid)
	NoError(t, err)

	var (
		stop     atomic.Bool
		torn     atomic.Bool
		sampled  atomic.Uint64
		observed sync.Map
	)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		for !stop.Load() {
			word0 := atomic.LoadUint64(&ent[0])
			cfg := steConfig(word0)
			observed.Store(cfg, struct{}{})
			sampled.Add(1)

			switch cfg {
			case steCfgS1:
				if word0&steS1CtxPtrMask == 0 {
					torn.Store(true)
				}
			case steCfgBypass, steCfgAbort:
			default:
				torn.Store(true)
			}
		}
	}()

	s1 := &stage1Config{asid: 9, cdTableBase: 0x3000}

	for i := 0; i < 200; i++ {
		NoError(t, strtab.writeEntry(sid, &steContent{assigned: true, s1: s1}))
		NoError(t, strtab.writeEntry(sid, &steContent{}))
	}

	stop.Store(true)
	wg.Wait()

	False(t, torn.Load())
	NotZero(t, sampled.Load())

	_, sawTranslate := observed.Load(steCfgS1)
	True(t, sawTranslate)
}

func TestTwoLevelBlockAllocatedOnce(t *testing.T) {
	layout := newTwoLevelLayout(12, false)

	const sid = 0x2f0

	var wg sync.WaitGroup

	entries := make([][]uint64, 16)
	for i := range entries {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ent, err := layout.entry(sid + uint32(i%4))
			NoError(t, err)
			entries[i] = ent
		}(i)
	}
	wg.Wait()

	// All IDs land in the same second-level block, allocated exactly once.
	block := layout.blocks[sid>>strtabSplit]
	NotNil(t, block)

	for i := range entries {
		off := int((sid+uint32(i%4))&((1<<strtabSplit)-1)) * steWords
		Same(t, &block[off], &entries[i][0])
	}

	allocated := 0
	for _, b := range layout.blocks {
		if b != nil {
			allocated++
		}
	}
	Equal(t, 1, allocated)

	// The block was pre-filled with valid bypass entries before linking.
	Equal(t, steCfgBypass, steConfig(block[0]))
	NotZero(t, layout.l1[sid>>strtabSplit]&strtabL1SpanMask)
}

func TestTwoLevelFallsBackForSmallIDSpace(t *testing.T) {
	strtab, _ := newTestStreamTable(t,
		WithFeatures(FeatTransS1|FeatTransS2|FeatStalls|FeatTwoLevelStreamTable),
		WithStreamIDBits(6))

	// An ID space that fits one second-level block uses the linear walk.
	_, linear := strtab.layout.(*linearLayout)
	True(t, linear)

	NoError(t, strtab.writeEntry(0, &steContent{
		assigned: true,
		s1:       &stage1Config{asid: 1, cdTableBase: 0x1000},
	}))

	ctrl, _, _ := newTestController(t,
		WithFeatures(FeatTransS1|FeatTransS2|FeatStalls|FeatTwoLevelStreamTable),
		WithStreamIDBits(6))

	_, err := ctrl.AddMaster([]uint32{0})
	NoError(t, err)
}

func TestTwoLevelOutOfRange(t *testing.T) {
	layout := newTwoLevelLayout(10, false)

	_, err := layout.entry(1 << 10)
	ErrorIs(t, err, smmuerrors.ErrSIDOutOfRange)
}
