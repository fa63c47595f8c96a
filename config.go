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
	"time"

	"github.com/rs/zerolog"
)

type ConfigOption[T any] func(*T)

type ControllerOption ConfigOption[Config]

// Feature flags mirror the capability bits a real controller reports at
// probe time. They select algorithm variants once, at construction.
type Feature uint32

const (
	// FeatTwoLevelStreamTable selects the two-level stream table layout.
	FeatTwoLevelStreamTable Feature = 1 << iota
	// FeatPRI enables the page-request queue.
	FeatPRI
	// FeatSEV means hardware signals an event when it consumes entries.
	FeatSEV
	// FeatMSI means hardware can complete a sync by writing back into the
	// sync slot instead of requiring consumer polling.
	FeatMSI
	// FeatCoherency means hardware observes CPU writes coherently; sync
	// writeback completion requires it.
	FeatCoherency
	// FeatTransS1 enables stage-1 translation domains.
	FeatTransS1
	// FeatTransS2 enables stage-2 translation domains.
	FeatTransS2
	// FeatStalls means faulting transactions can stall awaiting a RESUME.
	FeatStalls
	// FeatStallForce stalls every transaction regardless of per-master
	// capability.
	FeatStallForce
	// FeatE2H selects the EL2 variants of ASID-scoped invalidations.
	FeatE2H
)

// Option flags model per-integration quirks.
type Option uint32

const (
	// OptSkipPrefetch suppresses the config prefetch hint after attach.
	OptSkipPrefetch Option = 1 << iota
	// OptMessageBasedSPI disables sync writeback completion even when
	// FeatMSI is present.
	OptMessageBasedSPI
)

type Config struct {
	features Feature
	options  Option

	cmdqShift uint
	evtqShift uint
	priqShift uint

	sidBits  uint
	ssidBits uint
	asidBits uint
	vmidBits uint

	bypassDisabled bool
	pollTimeout    time.Duration

	pageTables PageTableAllocator

	loggerLevel  zerolog.Level
	prettyLogger bool
}

func WithFeatures(features Feature) ControllerOption {
	return func(c *Config) {
		c.features = features
	}
}

func WithOptions(options Option) ControllerOption {
	return func(c *Config) {
		c.options = options
	}
}

func WithCommandQueueShift(shift uint) ControllerOption {
	return func(c *Config) {
		c.cmdqShift = shift
	}
}

func WithEventQueueShift(shift uint) ControllerOption {
	return func(c *Config) {
		c.evtqShift = shift
	}
}

func WithPRIQueueShift(shift uint) ControllerOption {
	return func(c *Config) {
		c.priqShift = shift
	}
}

func WithStreamIDBits(bits uint) ControllerOption {
	return func(c *Config) {
		c.sidBits = bits
	}
}

func WithSubstreamIDBits(bits uint) ControllerOption {
	return func(c *Config) {
		c.ssidBits = bits
	}
}

func WithASIDBits(bits uint) ControllerOption {
	return func(c *Config) {
		c.asidBits = bits
	}
}

func WithVMIDBits(bits uint) ControllerOption {
	return func(c *Config) {
		c.vmidBits = bits
	}
}

// WithBypassDisabled makes unattached devices abort their transactions
// instead of passing them through untranslated.
func WithBypassDisabled(disabled bool) ControllerOption {
	return func(c *Config) {
		c.bypassDisabled = disabled
	}
}

func WithPollTimeout(timeout time.Duration) ControllerOption {
	return func(c *Config) {
		c.pollTimeout = timeout
	}
}

// WithPageTables installs the page-table collaborator used to finalize
// translation domains.
func WithPageTables(alloc PageTableAllocator) ControllerOption {
	return func(c *Config) {
		c.pageTables = alloc
	}
}

func WithLoggerLevel(level zerolog.Level) ControllerOption {
	return func(c *Config) {
		c.loggerLevel = level
	}
}

func WithPrettyLogger(pretty bool) ControllerOption {
	return func(c *Config) {
		c.prettyLogger = pretty
	}
}

func NewConfig(opts ...ControllerOption) Config {
	config := Config{
		features:    FeatTransS1 | FeatTransS2 | FeatStalls,
		cmdqShift:   7,
		evtqShift:   6,
		priqShift:   6,
		sidBits:     16,
		ssidBits:    10,
		asidBits:    16,
		vmidBits:    16,
		pollTimeout: time.Second,
		loggerLevel: zerolog.ErrorLevel,
	}

	for _, opt := range opts {
		opt(&config)
	}

	return config
}

func (c *Config) hasFeature(f Feature) bool {
	return c.features&f != 0
}

func (c *Config) hasOption(o Option) bool {
	return c.options&o != 0
}

// syncWriteback reports whether CMD_SYNC completion is observed through
// hardware writeback rather than consumer polling.
func (c *Config) syncWriteback() bool {
	return !c.hasOption(OptMessageBasedSPI) &&
		c.hasFeature(FeatMSI) && c.hasFeature(FeatCoherency)
}
