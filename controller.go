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

	"github.com/google/btree"
	"github.com/pawelgaczynski/smmu/logger"
	"github.com/pawelgaczynski/smmu/pkg/bitmap"
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	"github.com/pawelgaczynski/smmu/ringq"
	"github.com/rs/zerolog"
)

// Global error summary bits, as latched by hardware.
const (
	GErrorCmdq     uint32 = 1 << 0
	GErrorEvtqAbt  uint32 = 1 << 2
	GErrorPriqAbt  uint32 = 1 << 3
	GErrorMSICmdq  uint32 = 1 << 4
	GErrorMSIEvtq  uint32 = 1 << 5
	GErrorMSIPriq  uint32 = 1 << 6
	GErrorMSIAbort uint32 = 1 << 7
	GErrorSFM      uint32 = 1 << 8
)

const gerrorMask = GErrorCmdq | GErrorEvtqAbt | GErrorPriqAbt |
	GErrorMSICmdq | GErrorMSIEvtq | GErrorMSIPriq | GErrorMSIAbort |
	GErrorSFM

const streamTreeDegree = 2

// Controller drives one translation unit: a shared command queue towards
// hardware, hardware-produced event and page-request rings, the stream
// table and the attached masters.
type Controller struct {
	config Config
	logger zerolog.Logger

	cmdq   *commandQueue
	evtq   *eventQueue
	priq   *eventQueue
	strtab *streamTable

	// streamsMu guards the stream lookup tree only; it is never taken on
	// the submission path.
	streamsMu sync.Mutex
	streams   *btree.BTree

	asids *bitmap.Bitmap
	vmids *bitmap.Bitmap

	dead atomic.Bool
}

// NewController builds a controller from the given options. Nothing runs
// until hardware delivers work through the Notify entry points.
func NewController(opts ...ControllerOption) (*Controller, error) {
	config := NewConfig(opts...)

	newLogger := func(component string) zerolog.Logger {
		return logger.NewLogger(component, config.loggerLevel, config.prettyLogger)
	}

	ctrl := &Controller{
		config:  config,
		logger:  newLogger("smmu"),
		streams: btree.New(streamTreeDegree),
		asids:   bitmap.New(config.asidBits),
		vmids:   bitmap.New(config.vmidBits),
	}

	ctrl.cmdq = newCommandQueue(
		config.cmdqShift, config.syncWriteback(), config.pollTimeout,
		newLogger("cmdq"),
	)
	ctrl.strtab = newStreamTable(&config, ctrl.cmdq, newLogger("strtab"))
	ctrl.evtq = newEventQueue(
		"evtq", config.evtqShift, evtWords, ctrl.handleEvent, newLogger("evtq"),
	)

	if config.hasFeature(FeatPRI) {
		ctrl.priq = newEventQueue(
			"priq", config.priqShift, priWords, ctrl.handlePageRequest,
			newLogger("priq"),
		)
	}

	return ctrl, nil
}

// CommandRing exposes the command queue storage and registers to a hardware
// model acting as its consumer.
func (ctrl *Controller) CommandRing() *ringq.Queue {
	return ctrl.cmdq.q
}

// EventRing exposes the event ring to a hardware model acting as its
// producer.
func (ctrl *Controller) EventRing() *ringq.Queue {
	return ctrl.evtq.q
}

// PRIRing exposes the page-request ring, nil without the PRI feature.
func (ctrl *Controller) PRIRing() *ringq.Queue {
	if ctrl.priq == nil {
		return nil
	}

	return ctrl.priq.q
}

// NotifyEvent is the event ring interrupt.
func (ctrl *Controller) NotifyEvent() {
	ctrl.evtq.interrupt()
}

// NotifyPageRequest is the page-request ring interrupt.
func (ctrl *Controller) NotifyPageRequest() {
	if ctrl.priq != nil {
		ctrl.priq.interrupt()
	}
}

// FlushFaults blocks until every fault event enqueued before the call has
// been dispatched. Detach paths use it so a domain stays valid while its
// faults are still in flight.
func (ctrl *Controller) FlushFaults() {
	ctrl.evtq.flush()

	if ctrl.priq != nil {
		ctrl.priq.flush()
	}
}

// IssueCommand submits one command without waiting for its execution.
func (ctrl *Controller) IssueCommand(cmd *Command) error {
	if ctrl.isDead() {
		return smmuerrors.ErrControllerDead
	}

	return ctrl.cmdq.issueCommand(cmd)
}

// Sync waits until every previously submitted command has been executed.
func (ctrl *Controller) Sync() error {
	if ctrl.isDead() {
		return smmuerrors.ErrControllerDead
	}

	return ctrl.cmdq.issueSync()
}

// ServiceGlobalError handles the global error interrupt. The argument is
// the XOR of the error and acknowledgement registers, i.e. the newly active
// bits.
func (ctrl *Controller) ServiceGlobalError(active uint32) {
	active &= gerrorMask
	if active == 0 {
		return
	}

	ctrl.logger.Warn().
		Uint32("active", active).
		Msg("unexpected global error reported")

	if active&GErrorSFM != 0 {
		ctrl.logger.Error().Msg("device entered service failure mode")
		ctrl.Disable()

		return
	}

	if active&(GErrorMSIAbort|GErrorMSIPriq|GErrorMSIEvtq|GErrorMSICmdq) != 0 {
		ctrl.logger.Warn().Msg("completion writeback aborted")
	}

	if active&(GErrorPriqAbt|GErrorEvtqAbt) != 0 {
		ctrl.logger.Error().Msg("ring write aborted, events may have been lost")
	}

	if active&GErrorCmdq != 0 {
		ctrl.cmdq.skipError()
	}
}

// Disable takes the controller out of service. Every later operation fails;
// there is no way back short of building a new controller.
func (ctrl *Controller) Disable() {
	ctrl.dead.Store(true)
}

func (ctrl *Controller) isDead() bool {
	return ctrl.dead.Load()
}

// Close disables the controller and stops the ring handler contexts. No
// commands are issued: hardware is assumed gone or about to be reset, and
// registered masters simply stop being served.
func (ctrl *Controller) Close() error {
	ctrl.Disable()

	ctrl.evtq.close()

	if ctrl.priq != nil {
		ctrl.priq.close()
	}

	ctrl.streamsMu.Lock()
	if n := ctrl.streams.Len(); n > 0 {
		ctrl.logger.Warn().
			Int("streams", n).
			Msg("closing with masters still registered")
	}
	ctrl.streamsMu.Unlock()

	return nil
}

// handleEvent decodes one event ring entry and reports it to the owning
// master's fault handler. Unhandled page requests are answered with a
// failure so the device is not left waiting.
func (ctrl *Controller) handleEvent(ent []uint64) {
	typ := ent[0] & evtIDMask
	sid := uint32(ent[0] >> evtSIDShift)

	fault := FaultEvent{
		SID:         sid,
		STag:        uint16(ent[1] & evtSTagMask),
		Addr:        ent[2],
		LastRequest: true,
	}

	switch typ {
	case evtTranslationFault, evtAddrSizeFault, evtAccessFault:
		fault.Reason = ReasonPTEFetch
	case evtPermissionFault:
		fault.Reason = ReasonPermission
	default:
		ctrl.dumpEvent("unhandled event type", ent)

		return
	}

	// Stage-2 mappings are pinned, a fault there is not recoverable by any
	// handler.
	if ent[1]&evtS2 != 0 {
		ctrl.dumpEvent("stage-2 fault", ent)

		return
	}

	fault.Type = FaultUnrecoverable
	if ent[1]&evtStall != 0 {
		fault.Type = FaultPageRequest
	}

	if ent[1]&evtRead != 0 {
		fault.Access |= AccessRead
	} else {
		fault.Access |= AccessWrite
	}

	if ent[1]&evtExec != 0 {
		fault.Access |= AccessExec
	}

	if ent[1]&evtPriv != 0 {
		fault.Access |= AccessPriv
	}

	if ent[0]&evtSSV != 0 {
		fault.SSIDValid = true
		fault.SSID = uint32(ent[0]>>evtSSIDShift) & uint32(evtSSIDMask)
	}

	ctrl.streamsMu.Lock()
	defer ctrl.streamsMu.Unlock()

	master := ctrl.findMaster(sid)
	if master == nil {
		ctrl.dumpEvent("event for unknown stream", ent)

		return
	}

	// The domain stays valid until the handler returns: detach flushes the
	// fault queue first.
	if ctrl.reportFault(master, fault) {
		return
	}

	if fault.Type == FaultPageRequest {
		resp := PageResponse{
			STag:      fault.STag,
			SSID:      fault.SSID,
			SSIDValid: fault.SSIDValid,
			Code:      PageRespFailure,
		}
		if err := ctrl.PageResponse(master, resp); err != nil {
			ctrl.logger.Error().Err(err).
				Uint32("sid", sid).
				Msg("failed to abort stalled transaction")
		}

		return
	}

	ctrl.dumpEvent("unhandled fault", ent)
}

// handlePageRequest decodes one page-request ring entry. Requests for
// unknown or incapable masters are denied immediately; anything else goes
// to the master's fault handler.
func (ctrl *Controller) handlePageRequest(ent []uint64) {
	var (
		sid   = uint32(ent[0] & priSIDMask)
		ssv   = ent[0]&priSSIDValid != 0
		last  = ent[0]&priPrgLast != 0
		grpid = uint16(ent[1] & priGrpIDMask)
	)

	fault := FaultEvent{
		Type:        FaultPageRequest,
		Reason:      ReasonPTEFetch,
		SID:         sid,
		STag:        grpid,
		Addr:        ent[1] & priAddrMask,
		LastRequest: last,
	}

	if ssv {
		fault.SSIDValid = true
		fault.SSID = uint32(ent[0]>>priSSIDShift) & uint32(priSSIDMask)
	}

	if ent[0]&priPermRead != 0 {
		fault.Access |= AccessRead
	}

	if ent[0]&priPermWrite != 0 {
		fault.Access |= AccessWrite
	}

	if ent[0]&priPermExec != 0 {
		fault.Access |= AccessExec
	}

	if ent[0]&priPermPriv != 0 {
		fault.Access |= AccessPriv
	}

	ctrl.streamsMu.Lock()
	defer ctrl.streamsMu.Unlock()

	master := ctrl.findMaster(sid)
	if master != nil && master.canFault && ctrl.reportFault(master, fault) {
		return
	}

	ctrl.logger.Info().
		Uint32("sid", sid).
		Uint32("ssid", fault.SSID).
		Uint16("grpid", grpid).
		Uint64("iova", fault.Addr).
		Msg("unexpected page request received")

	// Only the last request in a group expects an answer.
	if !last {
		return
	}

	cmd := Command{
		Opcode:         OpPRIResp,
		SubstreamValid: ssv,
		PRI: PRICmd{
			SID:   sid,
			SSID:  fault.SSID,
			GrpID: grpid,
			Resp:  PriRespDeny,
		},
	}

	if err := ctrl.cmdq.issueCommand(&cmd); err != nil {
		ctrl.logger.Error().Err(err).
			Uint32("sid", sid).
			Msg("failed to deny page request")
	}
}

func (ctrl *Controller) reportFault(master *Master, fault FaultEvent) bool {
	if master.handler == nil {
		return false
	}

	return master.handler(fault)
}

// PageResponse answers an outstanding page request or stalled transaction.
type PageResponse struct {
	STag      uint16
	SSID      uint32
	SSIDValid bool
	Code      PageResponseCode
}

// PageResponse resumes or aborts the transaction identified by resp. No
// sync follows: RESUME consumption alone guarantees the stalled transaction
// terminates eventually, and PRI responses are fire and forget.
func (ctrl *Controller) PageResponse(master *Master, resp PageResponse) error {
	if ctrl.isDead() {
		return smmuerrors.ErrControllerDead
	}

	var cmd Command

	switch {
	case master.canStallResponse():
		cmd = Command{
			Opcode: OpResume,
			Resume: ResumeCmd{
				SID:  master.sids[0],
				STag: resp.STag,
				Resp: resp.Code,
			},
		}
	case master.canFault:
		priResp := PriRespFail
		if resp.Code == PageRespSuccess {
			priResp = PriRespSucc
		} else if resp.Code == PageRespInvalid {
			priResp = PriRespDeny
		}

		cmd = Command{
			Opcode:         OpPRIResp,
			SubstreamValid: resp.SSIDValid,
			PRI: PRICmd{
				SID:   master.sids[0],
				SSID:  resp.SSID,
				GrpID: resp.STag,
				Resp:  priResp,
			},
		}
	default:
		return smmuerrors.ErrCannotRespond
	}

	return ctrl.cmdq.issueCommand(&cmd)
}

func (ctrl *Controller) dumpEvent(msg string, ent []uint64) {
	dict := zerolog.Dict()
	for i, word := range ent {
		dict.Uint64(logWordKey(i), word)
	}

	ctrl.logger.Info().Dict("entry", dict).Msg(msg)
}

func logWordKey(i int) string {
	return "word" + string(rune('0'+i))
}
