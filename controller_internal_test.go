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
	"time"

	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func buildStallEvent(sid uint32, addr uint64, stag uint16) []uint64 {
	ent := make([]uint64, evtWords)
	ent[0] = evtTranslationFault | uint64(sid)<<evtSIDShift
	ent[1] = uint64(stag) | evtStall | evtRead
	ent[2] = addr

	return ent
}

func buildPageRequest(sid uint32, addr uint64, grpid uint16, last bool) []uint64 {
	ent := make([]uint64, priWords)
	ent[0] = uint64(sid) | priPermRead
	if last {
		ent[0] |= priPrgLast
	}

	ent[1] = uint64(grpid) | addr&priAddrMask

	return ent
}

func TestFaultDispatchedToHandler(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []FaultEvent
	)

	ctrl, model, _ := newTestController(t)

	_, err := ctrl.AddMaster([]uint32{0x21},
		WithStallCapable(true),
		WithFaultHandler(func(event FaultEvent) bool {
			mu.Lock()
			faults = append(faults, event)
			mu.Unlock()

			return true
		}))
	NoError(t, err)

	True(t, model.InjectEvent(buildStallEvent(0x21, 0xdead000, 7)))
	ctrl.FlushFaults()

	mu.Lock()
	defer mu.Unlock()

	Len(t, faults, 1)
	Equal(t, uint32(0x21), faults[0].SID)
	Equal(t, uint64(0xdead000), faults[0].Addr)
	Equal(t, uint16(7), faults[0].STag)
	Equal(t, FaultPageRequest, faults[0].Type)
	Equal(t, ReasonPTEFetch, faults[0].Reason)
	Equal(t, AccessRead, faults[0].Access)
}

func TestUnhandledStallAborted(t *testing.T) {
	ctrl, model, recorder := newTestController(t)

	_, err := ctrl.AddMaster([]uint32{0x30}, WithStallCapable(true))
	NoError(t, err)

	True(t, model.InjectEvent(buildStallEvent(0x30, 0x1000, 3)))
	ctrl.FlushFaults()
	NoError(t, ctrl.Sync())

	// Nobody handled the stall, so the transaction was terminated.
	Equal(t, 1, recorder.count(OpResume))
}

func TestUnexpectedPageRequestDenied(t *testing.T) {
	ctrl, model, recorder := newTestController(t,
		WithFeatures(FeatTransS1|FeatTransS2|FeatStalls|FeatPRI))

	True(t, model.InjectPageRequest(buildPageRequest(0x99, 0x2000, 5, true)))
	ctrl.FlushFaults()
	NoError(t, ctrl.Sync())

	Equal(t, 1, recorder.count(OpPRIResp))

	// Requests that are not the last in their group get no response.
	True(t, model.InjectPageRequest(buildPageRequest(0x99, 0x3000, 6, false)))
	ctrl.FlushFaults()
	NoError(t, ctrl.Sync())

	Equal(t, 1, recorder.count(OpPRIResp))
}

func TestPageRequestDispatchedToPRIMaster(t *testing.T) {
	var got FaultEvent

	done := make(chan struct{})

	ctrl, model, _ := newTestController(t,
		WithFeatures(FeatTransS1|FeatTransS2|FeatStalls|FeatPRI))

	_, err := ctrl.AddMaster([]uint32{0x40},
		WithPRICapable(true),
		WithFaultHandler(func(event FaultEvent) bool {
			got = event
			close(done)

			return true
		}))
	NoError(t, err)

	True(t, model.InjectPageRequest(buildPageRequest(0x40, 0x5000, 9, true)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("page request never dispatched")
	}

	Equal(t, FaultPageRequest, got.Type)
	Equal(t, uint32(0x40), got.SID)
	Equal(t, uint16(9), got.STag)
	Equal(t, uint64(0x5000), got.Addr)
	True(t, got.LastRequest)
}

func TestServiceFailureModeKillsController(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	ctrl.ServiceGlobalError(GErrorSFM)

	ErrorIs(t, ctrl.Sync(), smmuerrors.ErrControllerDead)
	ErrorIs(t, ctrl.IssueCommand(&Command{Opcode: OpCmdSync}), smmuerrors.ErrControllerDead)

	_, err := ctrl.AddMaster([]uint32{1})
	ErrorIs(t, err, smmuerrors.ErrControllerDead)

	domain := ctrl.AllocDomain(Stage1)
	ErrorIs(t, ctrl.Attach(domain, &Master{}), smmuerrors.ErrControllerDead)
}

func TestCommandErrorRecoveredThroughGlobalError(t *testing.T) {
	ctrl, model, _ := newTestController(t)

	// The model halts on the poisoned command and raises the global error
	// interrupt, which skips the offending slot; the sync after it must
	// still complete.
	model.FailNextCommand(cerrorIll)

	NoError(t, ctrl.IssueCommand(&Command{
		Opcode: OpTLBINHASID,
		TLBI:   TLBICmd{ASID: 1},
	}))
	NoError(t, ctrl.Sync())
}
