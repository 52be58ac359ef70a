package engine

import (
	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
)

const (
	pageSize = 65536

	// funcBase is the first synthetic function address. Function pointers
	// live above the largest memory the engine will create, so no data
	// address ever equals a function address.
	funcBase uint32 = 0xf000_0000

	maxMemoryPages = funcBase / pageSize
)

// Defaults used for zero Config fields.
const (
	DefaultMemoryPages    = 16
	DefaultMaxMemoryPages = 16384
	DefaultReservedBytes  = 64 * 1024
)

// Config holds configuration for engine creation.
type Config struct {
	// ABI is the calling convention every library is compiled for.
	ABI abi.ABI

	// MemoryPages is the initial size of the shared memory in 64KiB pages.
	MemoryPages uint32

	// MaxMemoryPages caps memory growth. 16384 pages = 1GiB.
	MaxMemoryPages uint32

	// ReservedBytes is the low region left to library static data and
	// native stacks. The engine allocator only hands out memory above it.
	ReservedBytes uint32

	// PlanCacheSize bounds the number of cached call plans.
	PlanCacheSize int
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.MemoryPages == 0 {
		out.MemoryPages = DefaultMemoryPages
	}
	if out.MaxMemoryPages == 0 {
		out.MaxMemoryPages = DefaultMaxMemoryPages
	}
	if out.ReservedBytes == 0 {
		out.ReservedBytes = DefaultReservedBytes
	}
	return out
}

func (c Config) validate() error {
	if c.MaxMemoryPages > maxMemoryPages {
		return errors.InvalidInput(errors.PhaseLoad, "MaxMemoryPages overlaps the function address range")
	}
	if c.MemoryPages > c.MaxMemoryPages {
		return errors.InvalidInput(errors.PhaseLoad, "MemoryPages exceeds MaxMemoryPages")
	}
	if uint64(c.ReservedBytes) >= uint64(c.MemoryPages)*pageSize {
		return errors.InvalidInput(errors.PhaseLoad, "ReservedBytes leaves no room for the allocator")
	}
	return nil
}
