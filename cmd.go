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
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
)

// Opcode identifies a command. Values match the hardware command set.
type Opcode uint8

const (
	OpPrefetchCfg  Opcode = 0x1
	OpCfgiSTE      Opcode = 0x3
	OpCfgiAll      Opcode = 0x4
	OpCfgiCD       Opcode = 0x5
	OpCfgiCDAll    Opcode = 0x6
	OpTLBINHASID   Opcode = 0x11
	OpTLBINHVA     Opcode = 0x12
	OpTLBIEL2All   Opcode = 0x20
	OpTLBIEL2ASID  Opcode = 0x21
	OpTLBIEL2VA    Opcode = 0x22
	OpTLBIS12VMAll Opcode = 0x28
	OpTLBIS2IPA    Opcode = 0x2a
	OpTLBINSNHAll  Opcode = 0x30
	OpPRIResp      Opcode = 0x41
	OpResume       Opcode = 0x44
	OpCmdSync      Opcode = 0x46
)

func (o Opcode) String() string {
	switch o {
	case OpPrefetchCfg:
		return "PREFETCH_CFG"
	case OpCfgiSTE:
		return "CFGI_STE"
	case OpCfgiAll:
		return "CFGI_ALL"
	case OpCfgiCD:
		return "CFGI_CD"
	case OpCfgiCDAll:
		return "CFGI_CD_ALL"
	case OpTLBINHASID:
		return "TLBI_NH_ASID"
	case OpTLBINHVA:
		return "TLBI_NH_VA"
	case OpTLBIEL2All:
		return "TLBI_EL2_ALL"
	case OpTLBIEL2ASID:
		return "TLBI_EL2_ASID"
	case OpTLBIEL2VA:
		return "TLBI_EL2_VA"
	case OpTLBIS12VMAll:
		return "TLBI_S12_VMALL"
	case OpTLBIS2IPA:
		return "TLBI_S2_IPA"
	case OpTLBINSNHAll:
		return "TLBI_NSNH_ALL"
	case OpPRIResp:
		return "PRI_RESP"
	case OpResume:
		return "RESUME"
	case OpCmdSync:
		return "CMD_SYNC"
	default:
		return "UNKNOWN"
	}
}

// PriResponse is the response code for a PRI_RESP command.
type PriResponse uint8

const (
	PriRespDeny PriResponse = iota
	PriRespFail
	PriRespSucc
)

// PageResponseCode is the outcome reported back for a recoverable page
// request, either via RESUME (stalled transactions) or PRI_RESP.
type PageResponseCode uint8

const (
	PageRespSuccess PageResponseCode = iota
	PageRespInvalid
	PageRespFailure
)

// A command occupies two 64-bit words regardless of opcode.
const cmdWords = 2

// Command field layout, word 0.
const (
	cmdOpMask            uint64 = 0xff
	cmdSSV               uint64 = 1 << 11
	cmdPrefetchSIDShift         = 32
	cmdCfgiSSIDShift            = 12
	cmdCfgiSSIDMask      uint64 = 0xfffff
	cmdCfgiSIDShift             = 32
	cmdTLBIVMIDShift            = 32
	cmdTLBIASIDShift            = 48
	cmdPRISSIDShift             = 12
	cmdPRISSIDMask       uint64 = 0xfffff
	cmdPRISIDShift              = 32
	cmdResumeSIDShift           = 32
	cmdResumeActionRetry uint64 = 1 << 12
	cmdResumeActionAbort uint64 = 1 << 13
	cmdSyncCSShift              = 12
	cmdSyncCSNone        uint64 = 0
	cmdSyncCSIRQ         uint64 = 1
	cmdSyncCSSEV         uint64 = 2
	cmdSyncMSHShift             = 22
	cmdSyncMSIAttrShift         = 24

	shareInner  uint64 = 3
	memAttrOIWB uint64 = 0xf
)

// Command field layout, word 1.
const (
	cmdPrefetchSizeMask uint64 = 0x1f
	cmdPrefetchAddrMask uint64 = ^uint64(0xfff)
	cmdCfgiLeaf         uint64 = 1 << 0
	cmdCfgiRangeMask    uint64 = 0x1f
	cmdTLBILeaf         uint64 = 1 << 0
	cmdTLBIVAMask       uint64 = ^uint64(0xfff)
	cmdTLBIIPAMask      uint64 = 0x000f_ffff_ffff_f000
	cmdPRIGrpIDMask     uint64 = 0x1ff
	cmdPRIRespShift            = 12
	cmdResumeSTagMask   uint64 = 0xffff
	cmdSyncMSIAddrMask  uint64 = 0x000f_ffff_ffff_fffc
)

// PrefetchCmd describes a PREFETCH_CFG command.
type PrefetchCmd struct {
	SID  uint32
	Size uint8
	Addr uint64
}

// CfgiCmd describes the CFGI_* family; Leaf and Span share storage in the
// encoding, only one is meaningful per opcode.
type CfgiCmd struct {
	SID  uint32
	SSID uint32
	Leaf bool
	Span uint8
}

// TLBICmd describes the TLBI_* family.
type TLBICmd struct {
	ASID uint16
	VMID uint16
	Leaf bool
	Addr uint64
}

// PRICmd describes a PRI_RESP command.
type PRICmd struct {
	SID   uint32
	SSID  uint32
	GrpID uint16
	Resp  PriResponse
}

// ResumeCmd describes a RESUME command for a stalled transaction.
type ResumeCmd struct {
	SID  uint32
	STag uint16
	Resp PageResponseCode
}

// SyncCmd describes a CMD_SYNC. A non-zero MSIAddr selects completion by
// hardware writeback to that address instead of consumer polling; the command
// queue points it at the sync slot itself.
type SyncCmd struct {
	MSIAddr uint64
}

// Command is the tagged union submitted to the command queue. Only the field
// group matching Opcode is consulted; the rest stay zero.
type Command struct {
	Opcode         Opcode
	SubstreamValid bool

	Prefetch PrefetchCmd
	Cfgi     CfgiCmd
	TLBI     TLBICmd
	PRI      PRICmd
	Resume   ResumeCmd
	Sync     SyncCmd
}

// build encodes the command into dst. Malformed or unsupported commands are
// rejected here, before anything reaches the ring.
func (c *Command) build(dst []uint64) error {
	dst[0] = uint64(c.Opcode) & cmdOpMask
	dst[1] = 0

	switch c.Opcode {
	case OpTLBIEL2All, OpTLBINSNHAll:
		// No payload beyond the opcode.
	case OpPrefetchCfg:
		dst[0] |= uint64(c.Prefetch.SID) << cmdPrefetchSIDShift
		dst[1] |= uint64(c.Prefetch.Size) & cmdPrefetchSizeMask
		dst[1] |= c.Prefetch.Addr & cmdPrefetchAddrMask
	case OpCfgiCD, OpCfgiSTE:
		if c.Opcode == OpCfgiCD {
			dst[0] |= (uint64(c.Cfgi.SSID) & cmdCfgiSSIDMask) << cmdCfgiSSIDShift
		}
		dst[0] |= uint64(c.Cfgi.SID) << cmdCfgiSIDShift
		if c.Cfgi.Leaf {
			dst[1] |= cmdCfgiLeaf
		}
	case OpCfgiCDAll:
		dst[0] |= uint64(c.Cfgi.SID) << cmdCfgiSIDShift
	case OpCfgiAll:
		// Cover the entire SID range.
		dst[1] |= 31 & cmdCfgiRangeMask
	case OpTLBINHVA, OpTLBIEL2VA:
		dst[0] |= uint64(c.TLBI.ASID) << cmdTLBIASIDShift
		if c.TLBI.Leaf {
			dst[1] |= cmdTLBILeaf
		}
		dst[1] |= c.TLBI.Addr & cmdTLBIVAMask
	case OpTLBIS2IPA:
		dst[0] |= uint64(c.TLBI.VMID) << cmdTLBIVMIDShift
		if c.TLBI.Leaf {
			dst[1] |= cmdTLBILeaf
		}
		dst[1] |= c.TLBI.Addr & cmdTLBIIPAMask
	case OpTLBINHASID:
		dst[0] |= uint64(c.TLBI.ASID) << cmdTLBIASIDShift
		dst[0] |= uint64(c.TLBI.VMID) << cmdTLBIVMIDShift
	case OpTLBIS12VMAll:
		dst[0] |= uint64(c.TLBI.VMID) << cmdTLBIVMIDShift
	case OpTLBIEL2ASID:
		dst[0] |= uint64(c.TLBI.ASID) << cmdTLBIASIDShift
	case OpPRIResp:
		if c.SubstreamValid {
			dst[0] |= cmdSSV
		}
		dst[0] |= (uint64(c.PRI.SSID) & cmdPRISSIDMask) << cmdPRISSIDShift
		dst[0] |= uint64(c.PRI.SID) << cmdPRISIDShift
		dst[1] |= uint64(c.PRI.GrpID) & cmdPRIGrpIDMask
		switch c.PRI.Resp {
		case PriRespDeny, PriRespFail, PriRespSucc:
		default:
			return smmuerrors.ErrInvalidResponse
		}
		dst[1] |= uint64(c.PRI.Resp) << cmdPRIRespShift
	case OpResume:
		dst[0] |= uint64(c.Resume.SID) << cmdResumeSIDShift
		dst[1] |= uint64(c.Resume.STag) & cmdResumeSTagMask
		switch c.Resume.Resp {
		case PageRespInvalid, PageRespFailure:
			dst[0] |= cmdResumeActionAbort
		case PageRespSuccess:
			dst[0] |= cmdResumeActionRetry
		default:
			return smmuerrors.ErrInvalidResponse
		}
	case OpCmdSync:
		if c.Sync.MSIAddr != 0 {
			dst[0] |= cmdSyncCSIRQ << cmdSyncCSShift
			dst[1] |= c.Sync.MSIAddr & cmdSyncMSIAddrMask
		} else {
			dst[0] |= cmdSyncCSSEV << cmdSyncCSShift
		}
		dst[0] |= shareInner << cmdSyncMSHShift
		dst[0] |= memAttrOIWB << cmdSyncMSIAttrShift
	default:
		return smmuerrors.ErrUnknownOpcode
	}

	return nil
}
