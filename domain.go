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

	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// DomainStage selects how a domain translates.
type DomainStage int

const (
	// StageBypass passes transactions through untranslated.
	StageBypass DomainStage = iota
	// Stage1 translates through a stage-1 page table tagged by ASID.
	Stage1
	// Stage2 translates through a stage-2 page table tagged by VMID.
	Stage2
)

type stage1Config struct {
	asid        uint16
	cdTableBase uint64
	cdMax       uint8
	regs        TableRegs
}

type stage2Config struct {
	vmid  uint16
	vttbr uint64
	vtcr  uint64
}

// Domain is one address space that masters attach to. It binds to a
// controller lazily on first attach and stays bound until freed.
type Domain struct {
	ctrl  *Controller
	stage DomainStage

	s1 *stage1Config
	s2 *stage2Config
	pt PageTable

	// initMu serializes (re)configuration: finalise, attach, detach and
	// the stream table writes they imply.
	initMu sync.Mutex

	// devicesMu guards only the attached-master set; invalidation fan-out
	// iterates it without blocking configuration.
	devicesMu sync.Mutex
	devices   map[*Master]struct{}
}

// AllocDomain creates an unbound domain of the requested stage. The stage
// may be adjusted at first attach when the controller lacks the matching
// translation feature.
func (ctrl *Controller) AllocDomain(stage DomainStage) *Domain {
	return &Domain{
		stage:   stage,
		devices: make(map[*Master]struct{}),
	}
}

// FreeDomain releases the domain's page table and identifier. Masters still
// attached are detached first.
func (ctrl *Controller) FreeDomain(d *Domain) {
	d.devicesMu.Lock()
	masters := make([]*Master, 0, len(d.devices))
	for m := range d.devices {
		masters = append(masters, m)
	}
	d.devicesMu.Unlock()

	for _, m := range masters {
		ctrl.Detach(m)
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.ctrl == nil {
		return
	}

	if d.pt != nil {
		d.pt.Free()
		d.pt = nil
	}

	if d.s1 != nil {
		ctrl.asids.Free(int(d.s1.asid))
		d.s1 = nil
	}

	if d.s2 != nil {
		ctrl.vmids.Free(int(d.s2.vmid))
		d.s2 = nil
	}

	d.ctrl = nil
}

// finalise binds the domain to ctrl and builds its stage configuration:
// an identifier from the matching bitmap and page-table operations from the
// external collaborator. Called under initMu, exactly once per binding.
func (d *Domain) finalise(ctrl *Controller) error {
	stage := d.stage
	if stage != StageBypass {
		if !ctrl.config.hasFeature(FeatTransS1) {
			stage = Stage2
		}

		if !ctrl.config.hasFeature(FeatTransS2) {
			stage = Stage1
		}
	}

	d.stage = stage

	if stage == StageBypass {
		d.ctrl = ctrl

		return nil
	}

	if ctrl.config.pageTables == nil {
		return smmuerrors.ErrNoPageTable
	}

	format := FormatStage1
	iaBits := uint(48)
	if stage == Stage2 {
		format = FormatStage2
	}

	pt, err := ctrl.config.pageTables.Alloc(format, PageTableConfig{
		PageSizes:    pageSizes,
		IABits:       iaBits,
		OABits:       48,
		CoherentWalk: ctrl.config.hasFeature(FeatCoherency),
		TLB:          &domainTLB{domain: d, ctrl: ctrl},
	})
	if err != nil {
		return err
	}

	regs := pt.Regs()

	switch stage {
	case Stage1:
		asid, err := ctrl.asids.Alloc()
		if err != nil {
			pt.Free()

			return err
		}

		d.s1 = &stage1Config{
			asid:        uint16(asid),
			cdTableBase: uint64(asid+1) << 12,
			regs:        regs,
		}
	case Stage2:
		vmid, err := ctrl.vmids.Alloc()
		if err != nil {
			pt.Free()

			return err
		}

		d.s2 = &stage2Config{
			vmid:  uint16(vmid),
			vttbr: regs.TTBR,
			vtcr:  regs.TCR,
		}
	}

	d.pt = pt
	d.ctrl = ctrl

	return nil
}

const pageSizes = uint64(1<<12 | 1<<21 | 1<<30)

// Map establishes a translation in the domain's page table.
func (d *Domain) Map(iova, paddr, size uint64, access Access) error {
	if d.stage == StageBypass {
		return nil
	}

	if d.pt == nil {
		return smmuerrors.ErrNoPageTable
	}

	return d.pt.Map(iova, paddr, size, access)
}

// Unmap removes up to size bytes of translation and returns the amount
// actually unmapped. Invalidations are emitted by the page table through the
// TLB callbacks; callers needing completion follow up with IOTLBSync.
func (d *Domain) Unmap(iova, size uint64) (uint64, error) {
	if d.stage == StageBypass {
		return size, nil
	}

	if d.pt == nil {
		return 0, smmuerrors.ErrNoPageTable
	}

	return d.pt.Unmap(iova, size)
}

// IOVAToPhys resolves iova through the domain's table in software.
func (d *Domain) IOVAToPhys(iova uint64) (uint64, error) {
	if d.stage == StageBypass {
		return iova, nil
	}

	if d.pt == nil {
		return 0, smmuerrors.ErrNoPageTable
	}

	return d.pt.IOVAToPhys(iova)
}

// FlushAll invalidates every cached translation of the domain's address
// space and waits for completion.
func (d *Domain) FlushAll() error {
	if err := d.tlbInvContext(); err != nil {
		return err
	}

	return d.IOTLBSync()
}

// IOTLBSync waits until previously issued invalidations for this domain
// have been consumed.
func (d *Domain) IOTLBSync() error {
	ctrl := d.ctrl
	if ctrl == nil {
		return nil
	}

	return ctrl.cmdq.issueSync()
}

// tlbInvContext drops the whole address space: by ASID at stage 1, by VMID
// at stage 2.
func (d *Domain) tlbInvContext() error {
	ctrl := d.ctrl
	if ctrl == nil || d.stage == StageBypass {
		return nil
	}

	cmd := Command{}

	if d.stage == Stage1 {
		cmd.Opcode = OpTLBINHASID
		if ctrl.config.hasFeature(FeatE2H) {
			cmd.Opcode = OpTLBIEL2ASID
		}

		cmd.TLBI.ASID = d.s1.asid
	} else {
		cmd.Opcode = OpTLBIS12VMAll
		cmd.TLBI.VMID = d.s2.vmid
	}

	return ctrl.cmdq.issueCommand(&cmd)
}

// tlbInvRange invalidates [iova, iova+size) one granule at a time without
// waiting. Invalidation commands are address-space scoped, so no per-device
// iteration happens here.
func (d *Domain) tlbInvRange(iova, size, granule uint64, leaf bool) error {
	ctrl := d.ctrl
	if ctrl == nil || d.stage == StageBypass || size == 0 {
		return nil
	}

	cmd := Command{
		TLBI: TLBICmd{Leaf: leaf, Addr: iova},
	}

	if d.stage == Stage1 {
		cmd.Opcode = OpTLBINHVA
		if ctrl.config.hasFeature(FeatE2H) {
			cmd.Opcode = OpTLBIEL2VA
		}

		cmd.TLBI.ASID = d.s1.asid
	} else {
		cmd.Opcode = OpTLBIS2IPA
		cmd.TLBI.VMID = d.s2.vmid
	}

	for size != 0 {
		if err := ctrl.cmdq.issueCommand(&cmd); err != nil {
			return err
		}

		cmd.TLBI.Addr += granule
		size -= granule
	}

	return nil
}

// syncContext broadcasts a context-descriptor invalidation to every stream
// attached to the domain, then waits for completion. Config caches are
// per-stream, unlike the TLB, hence the fan-out.
func (d *Domain) syncContext(ssid uint32, leaf bool) error {
	ctrl := d.ctrl
	if ctrl == nil {
		return nil
	}

	cmd := Command{
		Opcode: OpCfgiCD,
		Cfgi:   CfgiCmd{SSID: ssid, Leaf: leaf},
	}

	var errs error

	d.devicesMu.Lock()
	for m := range d.devices {
		for _, sid := range m.sids {
			cmd.Cfgi.SID = sid
			errs = multierr.Append(errs, ctrl.cmdq.issueCommand(&cmd))
		}
	}
	d.devicesMu.Unlock()

	if errs != nil {
		return errs
	}

	return ctrl.cmdq.issueSync()
}

// domainTLB adapts a domain to the invalidation interface the page-table
// collaborator calls into.
type domainTLB struct {
	domain *Domain
	ctrl   *Controller
}

func (t *domainTLB) FlushAll() {
	if err := t.domain.tlbInvContext(); err != nil {
		t.ctrl.logger.Error().Err(err).Msg("tlb flush-all failed")

		return
	}

	if err := t.ctrl.cmdq.issueSync(); err != nil {
		t.ctrl.logger.Error().Err(err).Msg("tlb flush-all sync failed")
	}
}

func (t *domainTLB) FlushRange(iova, size, granule uint64, leaf bool) {
	if err := t.domain.tlbInvRange(iova, size, granule, leaf); err != nil {
		t.ctrl.logger.Error().Err(err).Msg("tlb range invalidation failed")
	}
}

// Attach binds a master to the domain, finalising the domain on its first
// attach and moving the master out of any previous domain first.
func (ctrl *Controller) Attach(d *Domain, m *Master) error {
	if ctrl.isDead() {
		return smmuerrors.ErrControllerDead
	}

	if m.domain != nil {
		ctrl.Detach(m)
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.ctrl == nil {
		if err := d.finalise(ctrl); err != nil {
			return errors.Wrapf(err, "finalising domain on first attach")
		}
	} else if d.ctrl != ctrl {
		return smmuerrors.ErrCrossController
	}

	d.devicesMu.Lock()
	d.devices[m] = struct{}{}
	d.devicesMu.Unlock()

	m.domain = d
	m.ste.assigned = true
	m.ste.s1 = d.s1
	m.ste.s2 = d.s2

	if err := ctrl.installSTE(m); err != nil {
		d.devicesMu.Lock()
		delete(d.devices, m)
		d.devicesMu.Unlock()

		m.domain = nil
		m.ste.assigned = false
		m.ste.s1 = nil
		m.ste.s2 = nil

		return errors.Wrapf(err, "installing stream table entries")
	}

	if d.s1 != nil {
		return d.syncContext(0, true)
	}

	return nil
}

// Detach removes the master from its domain and parks its streams in
// bypass (or abort when bypass is disabled).
func (ctrl *Controller) Detach(m *Master) error {
	d := m.domain
	if d == nil {
		return nil
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.devicesMu.Lock()
	delete(d.devices, m)
	d.devicesMu.Unlock()

	m.domain = nil
	m.ste.assigned = false
	m.ste.s1 = nil
	m.ste.s2 = nil

	err := ctrl.installSTE(m)

	// Faults decoded before the entry went back to bypass may still be in
	// flight; they reference the domain through the master, so drain them
	// before the caller tears anything down.
	ctrl.FlushFaults()

	return err
}
