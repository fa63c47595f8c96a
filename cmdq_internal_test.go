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

	"github.com/pawelgaczynski/smmu/hwsim"
	"github.com/pawelgaczynski/smmu/logger"
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func newTestCommandQueue(shift uint, writeback bool) *commandQueue {
	return newCommandQueue(
		shift, writeback, time.Second,
		logger.NewLogger("cmdq", logger.Disabled, false),
	)
}

func buildTestCommand(t *testing.T, asid uint16) []uint64 {
	t.Helper()

	buf := make([]uint64, cmdWords)
	cmd := Command{Opcode: OpTLBINHASID, TLBI: TLBICmd{ASID: asid}}
	NoError(t, cmd.build(buf))

	return buf
}

func TestIssueWithoutConsumerFillsQueue(t *testing.T) {
	const (
		shift   = 5
		workers = 8
	)

	c := newTestCommandQueue(shift, false)

	perWorker := (1 << shift) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				cmd := buildTestCommand(t, uint16(w))
				NoError(t, c.issueCommands(cmd, 1, false))
			}
		}(w)
	}
	wg.Wait()

	// No consumer ran, so the hardware producer must account for every
	// reservation exactly once.
	llq := c.q.LLQ
	llq.Prod = c.q.ProdReg.Load()
	llq.Cons = 0
	True(t, llq.Full())
}

func TestConcurrentSubmittersWithModelConsumer(t *testing.T) {
	const (
		shift   = 4
		workers = 16
		batches = 32
	)

	c := newTestCommandQueue(shift, false)

	model := hwsim.New(c.q)
	model.Start()
	defer model.Stop()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < batches; i++ {
				cmds := make([]uint64, 0, 2*cmdWords)
				cmds = append(cmds, buildTestCommand(t, uint16(w))...)
				cmds = append(cmds, buildTestCommand(t, uint16(i))...)
				NoError(t, c.issueCommands(cmds, 2, true))
			}
		}(w)
	}
	wg.Wait()

	// Every command plus every sync marker was executed in FIFO order.
	Equal(t, uint64(workers*batches*3), model.Executed())
}

func TestSyncGuaranteesPriorExecution(t *testing.T) {
	c := newTestCommandQueue(4, false)

	model := hwsim.New(c.q)
	model.Start()
	defer model.Stop()

	for i := 0; i < 5; i++ {
		NoError(t, c.issueCommand(&Command{
			Opcode: OpTLBINHASID,
			TLBI:   TLBICmd{ASID: uint16(i)},
		}))
	}

	NoError(t, c.issueSync())
	GreaterOrEqual(t, model.Executed(), uint64(6))
}

func TestSyncWritebackCompletion(t *testing.T) {
	c := newTestCommandQueue(4, true)

	model := hwsim.New(c.q)
	model.Start()
	defer model.Stop()

	for i := 0; i < 8; i++ {
		NoError(t, c.issueCommands(buildTestCommand(t, uint16(i)), 1, true))
	}

	Equal(t, uint64(16), model.Executed())
}

func TestSmallQueueMultipleRevolutions(t *testing.T) {
	const shift = 2

	c := newTestCommandQueue(shift, false)

	model := hwsim.New(c.q)
	model.Start()
	defer model.Stop()

	// Three full revolutions of a 4-entry ring: valid-bit ranges repeatedly
	// end exactly on the wrap boundary.
	for i := 0; i < 3<<shift; i++ {
		NoError(t, c.issueCommands(buildTestCommand(t, uint16(i)), 1, false))
	}

	NoError(t, c.issueSync())
	Equal(t, uint64(3<<shift+1), model.Executed())
}

func TestSmallQueueConcurrentSubmitters(t *testing.T) {
	const (
		shift   = 3
		workers = 4
		batches = 16
	)

	c := newTestCommandQueue(shift, false)

	model := hwsim.New(c.q)
	model.Start()
	defer model.Stop()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < batches; i++ {
				NoError(t, c.issueCommands(buildTestCommand(t, uint16(w)), 1, true))
			}
		}(w)
	}
	wg.Wait()

	Equal(t, uint64(workers*batches*2), model.Executed())
}

func TestFullQueueTimesOut(t *testing.T) {
	c := newCommandQueue(
		2, false, 10*time.Millisecond,
		logger.NewLogger("cmdq", logger.Disabled, false),
	)

	for i := 0; i < 4; i++ {
		NoError(t, c.issueCommands(buildTestCommand(t, uint16(i)), 1, false))
	}

	err := c.issueCommands(buildTestCommand(t, 99), 1, false)
	ErrorIs(t, err, smmuerrors.ErrTimeout)
}

func TestSyncTimeoutWithoutConsumer(t *testing.T) {
	c := newCommandQueue(
		4, false, 10*time.Millisecond,
		logger.NewLogger("cmdq", logger.Disabled, false),
	)

	ErrorIs(t, c.issueSync(), smmuerrors.ErrTimeout)
}

func TestMalformedCommandRejected(t *testing.T) {
	c := newTestCommandQueue(4, false)

	err := c.issueCommand(&Command{Opcode: Opcode(0x7f)})
	ErrorIs(t, err, smmuerrors.ErrUnknownOpcode)

	err = c.issueCommand(&Command{
		Opcode: OpPRIResp,
		PRI:    PRICmd{Resp: PriResponse(9)},
	})
	ErrorIs(t, err, smmuerrors.ErrInvalidResponse)

	// Nothing reached the ring.
	Equal(t, uint32(0), c.q.ProdReg.Load())
}

func TestSkipErrorRecoversConsumption(t *testing.T) {
	c := newTestCommandQueue(4, false)

	model := hwsim.New(c.q)
	model.FailNextCommand(cerrorIll)
	model.Start()
	defer model.Stop()

	done := make(chan error, 1)

	go func() {
		if err := c.issueCommand(&Command{
			Opcode: OpTLBINHASID,
			TLBI:   TLBICmd{ASID: 7},
		}); err != nil {
			done <- err

			return
		}

		done <- c.issueSync()
	}()

	// Wait for the model to halt on the poisoned command, then recover the
	// slot the way the global error handler would.
	Eventually(t, func() bool {
		return c.q.ConsReg.Load()>>cmdqConsErrShift&cmdqConsErrMask == cerrorIll
	}, time.Second, time.Millisecond)

	c.skipError()

	NoError(t, <-done)
}
