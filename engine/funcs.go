package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/memory"
)

// funcSlot is the spacing of synthetic function addresses.
const funcSlot = 16

// funcTarget is something native code can reach through a function
// pointer. invoke reads the arguments from stack[1:] (stack[0] holds the
// pointer) and writes results to stack[0:].
type funcTarget interface {
	invoke(ctx context.Context, params, results []api.ValueType, stack []uint64)
	describe() string
}

// funcTable maps synthetic function addresses to their targets.
type funcTable struct {
	entries map[uint32]funcTarget
	mu      sync.RWMutex
	next    uint64
}

func newFuncTable() *funcTable {
	return &funcTable{entries: make(map[uint32]funcTarget), next: uint64(funcBase)}
}

func (t *funcTable) add(f funcTarget) (memory.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next+funcSlot > 1<<32 {
		return 0, errors.New(errors.PhaseLink, errors.KindAllocation).
			Detail("function address range exhausted").
			Build()
	}
	addr := uint32(t.next)
	t.next += funcSlot
	t.entries[addr] = f
	return memory.Address(addr), nil
}

func (t *funcTable) remove(addr memory.Address) {
	t.mu.Lock()
	delete(t.entries, uint32(addr))
	t.mu.Unlock()
}

func (t *funcTable) lookup(addr memory.Address) (funcTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.entries[uint32(addr)]
	return f, ok
}

func (t *funcTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// abort records err in the call context, if any, and unwinds the native
// frames.
func abort(ctx context.Context, err error) {
	if cc := callContextFrom(ctx); cc != nil {
		cc.fail(err)
	}
	panic(err)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signatureString(params, results []api.ValueType) string {
	out := "("
	for i, p := range params {
		if i > 0 {
			out += ","
		}
		out += api.ValueTypeName(p)
	}
	out += ")->("
	for i, r := range results {
		if i > 0 {
			out += ","
		}
		out += api.ValueTypeName(r)
	}
	return out + ")"
}
