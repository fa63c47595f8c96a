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

package ringq

import (
	"runtime"
	"time"
)

const (
	// DefaultPollTimeout bounds every spin on hardware progress.
	DefaultPollTimeout = time.Second

	pollSpinCount    = 10
	pollInitialDelay = time.Microsecond
)

// Poller paces a busy-wait on hardware progress: a handful of scheduler
// yields first, then sleeps with exponentially growing delay, all bounded by
// a deadline.
type Poller struct {
	deadline time.Time
	delay    time.Duration
	spinCnt  int
}

// NewPoller returns a poller whose deadline is timeout from now. A zero
// timeout selects DefaultPollTimeout.
func NewPoller(timeout time.Duration) *Poller {
	if timeout == 0 {
		timeout = DefaultPollTimeout
	}

	return &Poller{
		deadline: time.Now().Add(timeout),
		delay:    pollInitialDelay,
	}
}

// Poll burns one wait step. Returns ErrTimeout once the deadline has passed.
func (p *Poller) Poll() error {
	if time.Now().After(p.deadline) {
		return ErrTimeout
	}

	p.spinCnt++
	if p.spinCnt < pollSpinCount {
		runtime.Gosched()

		return nil
	}

	time.Sleep(p.delay)
	p.delay *= 2
	p.spinCnt = 0

	return nil
}
