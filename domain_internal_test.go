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
	"testing"

	"github.com/pawelgaczynski/smmu/hwsim"
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	. "github.com/stretchr/testify/require"
)

// fakeTables is the in-memory page-table collaborator used across the
// domain tests.
type fakeTables struct {
	mu     sync.Mutex
	allocs int
	frees  int
}

type fakeTable struct {
	owner *fakeTables
	tlb   TLBInvalidator

	mu    sync.Mutex
	pages map[uint64]uint64
}

func (f *fakeTables) Alloc(format PageTableFormat, cfg PageTableConfig) (PageTable, error) {
	f.mu.Lock()
	f.allocs++
	f.mu.Unlock()

	return &fakeTable{owner: f, tlb: cfg.TLB, pages: make(map[uint64]uint64)}, nil
}

func (ft *fakeTable) Map(iova, paddr, size uint64, access Access) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for off := uint64(0); off < size; off += 1 << 12 {
		ft.pages[iova+off] = paddr + off
	}

	return nil
}

func (ft *fakeTable) Unmap(iova, size uint64) (uint64, error) {
	ft.mu.Lock()
	for off := uint64(0); off < size; off += 1 << 12 {
		delete(ft.pages, iova+off)
	}
	ft.mu.Unlock()

	ft.tlb.FlushRange(iova, size, 1<<12, true)

	return size, nil
}

func (ft *fakeTable) IOVAToPhys(iova uint64) (uint64, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	paddr, ok := ft.pages[iova&^uint64(1<<12-1)]
	if !ok {
		return 0, smmuerrors.ErrNoPageTable
	}

	return paddr | iova&(1<<12-1), nil
}

func (ft *fakeTable) Regs() TableRegs {
	return TableRegs{TTBR: 0x4000_0000, TCR: 0x15}
}

func (ft *fakeTable) Free() {
	ft.owner.mu.Lock()
	ft.owner.frees++
	ft.owner.mu.Unlock()
}

type commandRecorder struct {
	mu      sync.Mutex
	opcodes []Opcode
}

func (r *commandRecorder) record(ent []uint64) {
	r.mu.Lock()
	r.opcodes = append(r.opcodes, Opcode(ent[0]&0xff))
	r.mu.Unlock()
}

func (r *commandRecorder) count(op Opcode) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, o := range r.opcodes {
		if o == op {
			n++
		}
	}

	return n
}

func newTestController(t *testing.T, opts ...ControllerOption) (*Controller, *hwsim.Model, *commandRecorder) {
	t.Helper()

	recorder := &commandRecorder{}

	opts = append([]ControllerOption{
		WithStreamIDBits(10),
		WithASIDBits(4),
		WithVMIDBits(4),
		WithPageTables(&fakeTables{}),
	}, opts...)

	ctrl, err := NewController(opts...)
	NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	modelOpts := []hwsim.Option{
		hwsim.WithEventRing(ctrl.EventRing(), ctrl.NotifyEvent),
		hwsim.WithOnCommand(recorder.record),
		hwsim.WithOnGlobalError(ctrl.ServiceGlobalError),
	}
	if ctrl.PRIRing() != nil {
		modelOpts = append(modelOpts,
			hwsim.WithPRIRing(ctrl.PRIRing(), ctrl.NotifyPageRequest))
	}

	model := hwsim.New(ctrl.CommandRing(), modelOpts...)
	model.Start()
	t.Cleanup(model.Stop)

	return ctrl, model, recorder
}

func TestAttachFinalisesOnce(t *testing.T) {
	tables := &fakeTables{}
	ctrl, _, recorder := newTestController(t, WithPageTables(tables))

	m1, err := ctrl.AddMaster([]uint32{1})
	NoError(t, err)
	m2, err := ctrl.AddMaster([]uint32{2})
	NoError(t, err)

	domain := ctrl.AllocDomain(Stage1)
	NoError(t, ctrl.Attach(domain, m1))
	NoError(t, ctrl.Attach(domain, m2))

	Equal(t, 1, tables.allocs)
	NotNil(t, domain.s1)
	Same(t, ctrl, domain.ctrl)

	// Each attach fences its stream table update with invalidations.
	GreaterOrEqual(t, recorder.count(OpCfgiSTE), 4)

	NoError(t, ctrl.Detach(m1))
	NoError(t, ctrl.Detach(m2))
	Empty(t, domain.devices)

	ctrl.FreeDomain(domain)
	Equal(t, 1, tables.frees)
	Nil(t, domain.ctrl)
}

func TestAttachMovesMasterBetweenDomains(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	master, err := ctrl.AddMaster([]uint32{5})
	NoError(t, err)

	domA := ctrl.AllocDomain(Stage1)
	domB := ctrl.AllocDomain(Stage1)

	NoError(t, ctrl.Attach(domA, master))
	NoError(t, ctrl.Attach(domB, master))

	Same(t, domB, master.domain)
	Empty(t, domA.devices)
	Contains(t, domB.devices, master)

	NoError(t, ctrl.RemoveMaster(master))
	ctrl.FreeDomain(domA)
	ctrl.FreeDomain(domB)
}

func TestAttachCrossControllerRejected(t *testing.T) {
	ctrlA, _, _ := newTestController(t)
	ctrlB, _, _ := newTestController(t)

	mA, err := ctrlA.AddMaster([]uint32{1})
	NoError(t, err)
	mB, err := ctrlB.AddMaster([]uint32{1})
	NoError(t, err)

	domain := ctrlA.AllocDomain(Stage1)
	NoError(t, ctrlA.Attach(domain, mA))

	ErrorIs(t, ctrlB.Attach(domain, mB), smmuerrors.ErrCrossController)
}

func TestStageForcedByFeatures(t *testing.T) {
	ctrl, _, _ := newTestController(t,
		WithFeatures(FeatTransS2|FeatStalls))

	master, err := ctrl.AddMaster([]uint32{9})
	NoError(t, err)

	domain := ctrl.AllocDomain(Stage1)
	NoError(t, ctrl.Attach(domain, master))

	Equal(t, Stage2, domain.stage)
	NotNil(t, domain.s2)
	Nil(t, domain.s1)
}

func TestMapUnmapInvalidates(t *testing.T) {
	ctrl, _, recorder := newTestController(t)

	master, err := ctrl.AddMaster([]uint32{4})
	NoError(t, err)

	domain := ctrl.AllocDomain(Stage1)
	NoError(t, ctrl.Attach(domain, master))

	NoError(t, domain.Map(0x10000, 0x8000_0000, 4<<12, AccessRead|AccessWrite))

	paddr, err := domain.IOVAToPhys(0x11234)
	NoError(t, err)
	Equal(t, uint64(0x8000_1234), paddr)

	unmapped, err := domain.Unmap(0x10000, 4<<12)
	NoError(t, err)
	Equal(t, uint64(4<<12), unmapped)
	NoError(t, domain.IOTLBSync())

	// One address invalidation per granule, address-space scoped.
	Equal(t, 4, recorder.count(OpTLBINHVA))

	NoError(t, domain.FlushAll())
	Equal(t, 1, recorder.count(OpTLBINHASID))
}

func TestASIDExhaustion(t *testing.T) {
	ctrl, _, _ := newTestController(t, WithASIDBits(1))

	var masters []*Master
	for sid := uint32(1); sid <= 3; sid++ {
		m, err := ctrl.AddMaster([]uint32{sid})
		NoError(t, err)
		masters = append(masters, m)
	}

	domains := make([]*Domain, 3)
	for i := range domains {
		domains[i] = ctrl.AllocDomain(Stage1)
	}

	NoError(t, ctrl.Attach(domains[0], masters[0]))
	NoError(t, ctrl.Attach(domains[1], masters[1]))
	ErrorIs(t, ctrl.Attach(domains[2], masters[2]), smmuerrors.ErrRange)

	// Freeing a domain returns its identifier to the pool.
	NoError(t, ctrl.Detach(masters[0]))
	ctrl.FreeDomain(domains[0])
	NoError(t, ctrl.Attach(domains[2], masters[2]))
}

func TestDuplicateStreamRejected(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	_, err := ctrl.AddMaster([]uint32{7, 8})
	NoError(t, err)

	_, err = ctrl.AddMaster([]uint32{8})
	ErrorIs(t, err, smmuerrors.ErrStreamExists)
}
