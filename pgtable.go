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

// PageTableFormat selects the walk format of an allocated page table.
type PageTableFormat int

const (
	// FormatStage1 is the format walked when a domain translates at stage 1.
	FormatStage1 PageTableFormat = iota
	// FormatStage2 is the format walked when a domain translates at stage 2.
	FormatStage2
)

// TLBInvalidator receives the invalidations a page table emits while tearing
// down mappings. The controller implements it per domain, turning callbacks
// into invalidation commands on the command queue.
type TLBInvalidator interface {
	// FlushAll invalidates every cached walk of the table.
	FlushAll()
	// FlushRange invalidates [iova, iova+size) in granule-sized steps. Leaf
	// is set when only last-level entries changed.
	FlushRange(iova, size, granule uint64, leaf bool)
}

// PageTableConfig carries the requirements a domain places on its table.
type PageTableConfig struct {
	// PageSizes is a bitmap of supported page sizes; bit n grants 1<<n.
	PageSizes uint64
	// IABits and OABits bound the input and output address widths.
	IABits uint
	OABits uint
	// CoherentWalk is set when table walks snoop the CPU caches.
	CoherentWalk bool
	// TLB receives invalidations for mappings removed from the table.
	TLB TLBInvalidator
}

// TableRegs is the register image a finalized table wants programmed into
// the stream or context descriptor. Stage-2 tables leave MAIR zero.
type TableRegs struct {
	TTBR uint64
	TCR  uint64
	MAIR uint64
}

// PageTable is one allocated translation table.
type PageTable interface {
	// Map establishes a translation of size bytes from iova to paddr.
	Map(iova, paddr, size uint64, access Access) error
	// Unmap removes up to size bytes of translation at iova and returns the
	// number of bytes actually unmapped.
	Unmap(iova, size uint64) (uint64, error)
	// IOVAToPhys walks the table in software.
	IOVAToPhys(iova uint64) (uint64, error)
	// Regs returns the register image of the finalized table.
	Regs() TableRegs
	// Free releases the table. No invalidations are emitted; the caller
	// flushes before freeing.
	Free()
}

// PageTableAllocator produces page tables for translation domains. It is a
// required collaborator for any controller that attaches translating
// domains; identity and blocked domains work without one.
type PageTableAllocator interface {
	Alloc(format PageTableFormat, cfg PageTableConfig) (PageTable, error)
}
