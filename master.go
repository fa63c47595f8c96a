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
	"github.com/google/btree"
	smmuerrors "github.com/pawelgaczynski/smmu/pkg/errors"
	"github.com/pkg/errors"
)

// Master is one device as seen by the controller. A master may answer to
// several stream IDs, e.g. behind a PCI bridge, all sharing one entry
// content and one domain.
type Master struct {
	ctrl *Controller

	sids   []uint32
	ste    steContent
	domain *Domain

	canFault bool
	handler  FaultHandler
}

type MasterOption ConfigOption[Master]

// WithStallCapable marks the master as able to stall faulting transactions
// until a page response arrives.
func WithStallCapable(capable bool) MasterOption {
	return func(m *Master) {
		m.ste.canStall = capable
	}
}

// WithPRICapable marks the master as a page-request-interface client.
func WithPRICapable(capable bool) MasterOption {
	return func(m *Master) {
		m.canFault = capable
	}
}

// WithFaultHandler installs the callback receiving the master's decoded
// fault and page-request events.
func WithFaultHandler(handler FaultHandler) MasterOption {
	return func(m *Master) {
		m.handler = handler
	}
}

// stream is the per-ID lookup record; the balanced tree maps every stream
// ID back to its master on the fault path.
type stream struct {
	id     uint32
	master *Master
}

func (s *stream) Less(than btree.Item) bool {
	return s.id < than.(*stream).id
}

// AddMaster registers a device answering to the given stream IDs. Its
// stream table entries are initialized to bypass (or abort) and stay that
// way until the master attaches to a domain.
func (ctrl *Controller) AddMaster(sids []uint32, opts ...MasterOption) (*Master, error) {
	if ctrl.isDead() {
		return nil, smmuerrors.ErrControllerDead
	}

	master := &Master{
		ctrl: ctrl,
		sids: append([]uint32(nil), sids...),
	}

	for _, opt := range opts {
		opt(master)
	}

	// Force second-level block allocation up front; attach must not be the
	// first touch of the entry memory.
	for _, sid := range master.sids {
		if _, err := ctrl.strtab.layout.entry(sid); err != nil {
			return nil, errors.Wrapf(err, "reserving entry for stream %d", sid)
		}
	}

	ctrl.streamsMu.Lock()
	for i, sid := range master.sids {
		if ctrl.streams.Get(&stream{id: sid}) != nil {
			for _, dup := range master.sids[:i] {
				ctrl.streams.Delete(&stream{id: dup})
			}
			ctrl.streamsMu.Unlock()

			return nil, smmuerrors.ErrStreamExists
		}

		ctrl.streams.ReplaceOrInsert(&stream{id: sid, master: master})
	}
	ctrl.streamsMu.Unlock()

	ctrl.logger.Debug().
		Uints32("sids", master.sids).
		Msg("master registered")

	return master, nil
}

// RemoveMaster detaches the master and drops its stream registrations.
func (ctrl *Controller) RemoveMaster(m *Master) error {
	err := ctrl.Detach(m)

	ctrl.streamsMu.Lock()
	for _, sid := range m.sids {
		ctrl.streams.Delete(&stream{id: sid})
	}
	ctrl.streamsMu.Unlock()

	return err
}

// findMaster resolves a stream ID on the fault path. Callers hold
// streamsMu.
func (ctrl *Controller) findMaster(sid uint32) *Master {
	item := ctrl.streams.Get(&stream{id: sid})
	if item == nil {
		return nil
	}

	return item.(*stream).master
}

// installSTE publishes the master's current entry content for every stream
// ID it answers to.
func (ctrl *Controller) installSTE(m *Master) error {
	for _, sid := range m.sids {
		if err := ctrl.strtab.writeEntry(sid, &m.ste); err != nil {
			return err
		}
	}

	return nil
}

// canStallResponse reports whether the master can take a RESUME for a
// stalled transaction.
func (m *Master) canStallResponse() bool {
	return m.ste.canStall
}
