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

package errors

import (
	"errors"
)

var (
	// ErrUnknownOpcode occurs when a command with an unsupported opcode is
	// submitted. The command never reaches the ring.
	ErrUnknownOpcode = errors.New("unknown command opcode")
	// ErrInvalidResponse occurs when a PRI or RESUME command carries a
	// response code outside the permitted set.
	ErrInvalidResponse = errors.New("invalid response code")
	// ErrTimeout occurs when hardware made no progress within the poll
	// timeout, either while waiting for queue space or for a sync marker.
	ErrTimeout = errors.New("hardware progress timeout")
	// ErrControllerDead occurs after an unrecoverable global error or an
	// explicit disable; all further operations fail with it.
	ErrControllerDead = errors.New("controller disabled")
	// ErrCrossController occurs when attaching a device to a domain that is
	// already bound to a different controller.
	ErrCrossController = errors.New("domain bound to a different controller")
	// ErrNoPageTable occurs when map/unmap is called on a domain without
	// finalized page-table operations.
	ErrNoPageTable = errors.New("domain has no page table")
	// ErrRange occurs when an identifier bitmap has no free bits left.
	ErrRange = errors.New("identifier space exhausted")
	// ErrSIDOutOfRange occurs when a stream ID exceeds the table's ID space.
	ErrSIDOutOfRange = errors.New("stream id out of range")
	// ErrStreamExists occurs when registering a master with a stream ID that
	// is already owned by another master.
	ErrStreamExists = errors.New("stream id already registered")
	// ErrSTELive occurs on a forbidden live stream-table-entry transition,
	// i.e. rewriting a translating entry without detaching first.
	ErrSTELive = errors.New("stream table entry is live")
	// ErrCannotRespond occurs when a page response is requested for a
	// master that can neither stall nor use PRI.
	ErrCannotRespond = errors.New("master cannot take page responses")
)
