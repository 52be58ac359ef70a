package engine

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-ffi/errors"
)

type callContextKey struct{}

// callContext follows one chain of nested downcalls and upcalls. It is
// attached to the context on first use and shared by every nested call
// made with a derived context.
type callContext struct {
	// failure is the error recorded by an upcall that unwound native
	// frames; the innermost downcall site consumes it.
	failure error
	// trivial names the innermost trivial downcall in progress.
	trivial string
	errno   int32
	mu      sync.Mutex
}

func callContextFrom(ctx context.Context) *callContext {
	cc, _ := ctx.Value(callContextKey{}).(*callContext)
	return cc
}

// withCallContext returns ctx carrying a call context, attaching a new
// one if none is present.
func withCallContext(ctx context.Context) (context.Context, *callContext) {
	if cc := callContextFrom(ctx); cc != nil {
		return ctx, cc
	}
	cc := &callContext{}
	debugf("call context attached")
	return context.WithValue(ctx, callContextKey{}, cc), cc
}

// fail records err and unwinds the native frames above the innermost
// downcall. Only the first failure of a chain segment is kept.
func (cc *callContext) fail(err error) {
	cc.mu.Lock()
	if cc.failure == nil {
		cc.failure = err
	}
	cc.mu.Unlock()
	panic(err)
}

// takeFailure returns and clears the pending failure.
func (cc *callContext) takeFailure() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	err := cc.failure
	cc.failure = nil
	return err
}

// enterTrivial marks the start of a trivial downcall and returns a func
// that restores the previous state.
func (cc *callContext) enterTrivial(symbol string) func() {
	cc.mu.Lock()
	prev := cc.trivial
	cc.trivial = symbol
	cc.mu.Unlock()
	return func() {
		cc.mu.Lock()
		cc.trivial = prev
		cc.mu.Unlock()
	}
}

// checkReentry fails when an upcall arrives during a trivial downcall.
func (cc *callContext) checkReentry() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.trivial != "" {
		return errors.Reentrancy(cc.trivial)
	}
	return nil
}

func (cc *callContext) setErrno(v int32) {
	cc.mu.Lock()
	cc.errno = v
	cc.mu.Unlock()
}

func (cc *callContext) getErrno() int32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.errno
}
