package memory

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

const (
	scopeAlive int32 = iota
	scopeClosed
)

type allocation struct {
	ptr   uint32
	size  uint32
	align uint32
}

// Scope bounds the lifetime of native memory. Memory allocated from a
// scope is freed when the scope closes, and every segment tied to the
// scope becomes inaccessible.
//
// A confined scope takes no lock and must be used by one goroutine at a
// time; overlapping use is reported as a wrong_thread error. A shared
// scope may be used from any goroutine.
type Scope struct {
	space    Space
	allocs   []allocation
	cleanups []func() error
	mu       sync.Mutex
	state    atomic.Int32
	inflight atomic.Int64
	busy     atomic.Bool
	shared   bool
	global   bool
}

// NewConfinedScope creates a scope for single-goroutine use.
func NewConfinedScope(space Space) *Scope {
	return &Scope{space: space}
}

// NewSharedScope creates a scope safe for concurrent use.
func NewSharedScope(space Space) *Scope {
	return &Scope{space: space, shared: true}
}

// GlobalScope returns a scope that is never closed. Memory allocated from
// it lives as long as the space.
func GlobalScope(space Space) *Scope {
	return &Scope{space: space, shared: true, global: true}
}

// Space returns the address space the scope allocates from.
func (s *Scope) Space() Space { return s.space }

// IsShared reports whether the scope may be used concurrently.
func (s *Scope) IsShared() bool { return s.shared }

// IsAlive reports whether the scope is still open.
func (s *Scope) IsAlive() bool {
	return s.state.Load() == scopeAlive
}

func (s *Scope) enter(phase errors.Phase) (func(), error) {
	if s.shared {
		s.mu.Lock()
		return s.mu.Unlock, nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, errors.New(phase, errors.KindWrongThread).
			Detail("confined scope used concurrently").
			Build()
	}
	return func() { s.busy.Store(false) }, nil
}

// Allocate returns a zeroed native segment sized and aligned for l.
func (s *Scope) Allocate(l layout.Layout) (Segment, error) {
	return s.AllocateBytes(l.Size(), l.Align())
}

// AllocateBytes returns a zeroed native segment of size bytes.
func (s *Scope) AllocateBytes(size, align uint64) (Segment, error) {
	if size > maxAddress || align > maxAddress {
		return Segment{}, errors.AllocationFailed(errors.PhaseScope, size, align)
	}

	exit, err := s.enter(errors.PhaseScope)
	if err != nil {
		return Segment{}, err
	}
	defer exit()

	if !s.IsAlive() {
		return Segment{}, errors.ClosedScope(errors.PhaseScope)
	}

	ptr, err := s.space.Alloc(uint32(size), uint32(align))
	if err != nil {
		return Segment{}, err
	}
	if size > 0 {
		if err := s.space.Write(ptr, make([]byte, size)); err != nil {
			s.space.Free(ptr, uint32(size), uint32(align))
			return Segment{}, errors.Wrap(errors.PhaseScope, errors.KindAllocation, err, "zero allocation")
		}
	}
	s.allocs = append(s.allocs, allocation{ptr: ptr, size: uint32(size), align: uint32(align)})

	return Segment{space: s.space, scope: s, addr: uint64(ptr), length: size}, nil
}

// View returns a segment over existing memory at [addr, addr+length)
// whose lifetime is tied to s. Nothing is allocated or freed.
func (s *Scope) View(addr Address, length uint64) Segment {
	return Segment{space: s.space, scope: s, addr: uint64(addr), length: length}
}

// AllocateString writes str followed by a NUL byte into new memory.
func (s *Scope) AllocateString(str string) (Segment, error) {
	seg, err := s.AllocateBytes(uint64(len(str))+1, 1)
	if err != nil {
		return Segment{}, err
	}
	if err := seg.SetString(0, str); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// AllocateFrom copies data into new memory.
func (s *Scope) AllocateFrom(data []byte, align uint64) (Segment, error) {
	seg, err := s.AllocateBytes(uint64(len(data)), align)
	if err != nil {
		return Segment{}, err
	}
	if err := seg.WriteAt(0, data); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// AddCleanup registers fn to run when the scope closes. Cleanups run in
// reverse registration order, before memory is freed.
func (s *Scope) AddCleanup(fn func() error) error {
	exit, err := s.enter(errors.PhaseScope)
	if err != nil {
		return err
	}
	defer exit()

	if !s.IsAlive() {
		return errors.ClosedScope(errors.PhaseScope)
	}
	s.cleanups = append(s.cleanups, fn)
	return nil
}

// Acquire pins the scope open until release is called. Close fails with
// a scope_busy error while any pin is held.
func (s *Scope) Acquire() (release func(), err error) {
	if s.global {
		return func() {}, nil
	}
	s.inflight.Add(1)
	if !s.IsAlive() {
		s.inflight.Add(-1)
		return nil, errors.ClosedScope(errors.PhaseScope)
	}
	var once sync.Once
	return func() { once.Do(func() { s.inflight.Add(-1) }) }, nil
}

// Close runs cleanups and frees all memory allocated from the scope.
// Closing twice returns a closed_scope error; closing while pinned
// returns scope_busy and leaves the scope open.
func (s *Scope) Close() error {
	if s.global {
		return errors.InvalidInput(errors.PhaseScope, "global scope cannot be closed")
	}

	exit, err := s.enter(errors.PhaseScope)
	if err != nil {
		return err
	}
	defer exit()

	if s.inflight.Load() > 0 {
		return scopeBusy(s.inflight.Load())
	}
	if !s.state.CompareAndSwap(scopeAlive, scopeClosed) {
		return errors.ClosedScope(errors.PhaseScope)
	}
	if n := s.inflight.Load(); n > 0 {
		s.state.Store(scopeAlive)
		return scopeBusy(n)
	}

	var errs error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, s.cleanups[i]())
	}
	s.cleanups = nil

	for _, a := range s.allocs {
		s.space.Free(a.ptr, a.size, a.align)
	}
	s.allocs = nil

	return errs
}

func scopeBusy(n int64) error {
	return errors.New(errors.PhaseScope, errors.KindScopeBusy).
		Detail("%d native call(s) in flight", n).
		Build()
}
