package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
	"github.com/wippyai/wasm-ffi/memory"
)

// CaptureLayout is the layout of the segment that receives captured call
// state.
var CaptureLayout = layout.Struct(layout.Int32().WithName("errno"))

// CallState is the call state saved after a native call.
type CallState struct {
	Errno int32
}

// ReadCallState decodes a capture segment.
func ReadCallState(seg memory.Segment) (CallState, error) {
	v, err := seg.GetInt32(0)
	if err != nil {
		return CallState{}, err
	}
	return CallState{Errno: v}, nil
}

// Downcall is a callable handle for a native symbol with a fixed
// signature. It is safe for concurrent use.
type Downcall struct {
	engine  *Engine
	target  *symbolTarget
	plan    *abi.CallPlan
	sym     Symbol
	nonNull bool
}

// Downcall creates a handle calling sym with the given signature. An
// invalid ret declares a void function.
func (e *Engine) Downcall(sym Symbol, args []layout.Layout, ret layout.Layout, opts ...abi.Option) (*Downcall, error) {
	if err := e.checkOpen(errors.PhaseLink); err != nil {
		return nil, err
	}
	if !sym.IsValid() || sym.lib.engine != e {
		return nil, errors.InvalidInput(errors.PhaseLink, "symbol does not belong to this engine")
	}
	target, ok := sym.lib.symbols[sym.name]
	if !ok || sym.lib.closed.Load() {
		return nil, errors.NotFound(errors.PhaseLink, "symbol", sym.String())
	}

	plan, err := e.Plan(args, ret, abi.Downcall, opts...)
	if err != nil {
		return nil, err
	}
	if !sameTypes(plan.Params, target.params) || !sameTypes(plan.Results, target.results) {
		return nil, errors.New(errors.PhaseLink, errors.KindSignatureMismatch).
			Detail("%s exports %s, signature lowers to %s", sym,
				signatureString(target.params, target.results),
				signatureString(plan.Params, plan.Results)).
			Build()
	}

	debugf("downcall %s linked: %s", sym, plan)
	return &Downcall{engine: e, target: target, plan: plan, sym: sym}, nil
}

// RequireNonNull returns a handle that fails with a null_result error
// when the native function returns a NULL pointer.
func (d *Downcall) RequireNonNull() *Downcall {
	cp := *d
	cp.nonNull = true
	return &cp
}

// Plan returns the resolved call plan.
func (d *Downcall) Plan() *abi.CallPlan { return d.plan }

// Symbol returns the target symbol.
func (d *Downcall) Symbol() Symbol { return d.sym }

// returnsAggregate reports whether callers pass a result scope.
func (d *Downcall) returnsAggregate() bool {
	r := d.plan.Return
	return !r.IsVoid() && !r.Layout.Kind().IsPrimitive()
}

// Arity returns the number of Go arguments Call expects, including the
// leading result scope and capture segment.
func (d *Downcall) Arity() int {
	n := len(d.plan.Args)
	if d.returnsAggregate() {
		n++
	}
	if len(d.plan.Options.Captures()) > 0 {
		n++
	}
	return n
}

// call holds the state of one Call.
type call struct {
	frame
	d        *Downcall
	scope    *memory.Scope
	result   *memory.Scope
	capture  memory.Segment
	releases []func()
	retSeg   memory.Segment
}

// Call invokes the native function. When the return is an aggregate, the
// first argument is the *memory.Scope that receives the result. When call
// state is captured, the next argument is a segment of CaptureLayout.
// The remaining arguments follow the signature.
func (d *Downcall) Call(ctx context.Context, args ...any) (any, error) {
	if err := d.engine.checkOpen(errors.PhaseDowncall); err != nil {
		return nil, err
	}
	if d.sym.lib.closed.Load() {
		return nil, errors.NotFound(errors.PhaseDowncall, "symbol", d.sym.String())
	}
	if len(args) != d.Arity() {
		return nil, errors.InvalidInput(errors.PhaseDowncall,
			fmt.Sprintf("%s takes %d arguments, got %d", d.sym, d.Arity(), len(args)))
	}

	buf := getBuf64(max(len(d.plan.Params), len(d.plan.Results)))
	defer putBuf64(buf)

	c := &call{d: d}
	c.core = *buf
	defer c.release()

	args, err := c.leading(args)
	if err != nil {
		return nil, err
	}
	if err := c.lower(args); err != nil {
		return nil, err
	}

	ctx, cc := withCallContext(ctx)
	if err := c.invoke(ctx, cc); err != nil {
		return nil, err
	}
	if len(d.plan.Options.Captures()) > 0 {
		if err := c.capture.SetInt32(0, cc.getErrno()); err != nil {
			return nil, err
		}
	}
	return c.lift()
}

func (c *call) release() {
	for i := len(c.releases) - 1; i >= 0; i-- {
		c.releases[i]()
	}
	if c.scope != nil {
		if err := c.scope.Close(); err != nil {
			debugf("close call scope: %v", err)
		}
	}
}

func (c *call) pin(s *memory.Scope) error {
	if s == nil {
		return nil
	}
	release, err := s.Acquire()
	if err != nil {
		return err
	}
	c.releases = append(c.releases, release)
	return nil
}

// callScope returns the per-call scope, creating it on first use.
func (c *call) callScope() *memory.Scope {
	if c.scope == nil {
		c.scope = memory.NewConfinedScope(c.d.engine.space)
	}
	return c.scope
}

// leading consumes the result scope and capture segment.
func (c *call) leading(args []any) ([]any, error) {
	if c.d.returnsAggregate() {
		s, ok := args[0].(*memory.Scope)
		if !ok || s == nil {
			return nil, errors.TypeMismatch(errors.PhaseDowncall, []string{"result"}, fmt.Sprintf("%T", args[0]), "*memory.Scope")
		}
		if !s.IsAlive() {
			return nil, errors.ClosedScope(errors.PhaseDowncall)
		}
		if err := c.pin(s); err != nil {
			return nil, err
		}
		c.result = s
		args = args[1:]
	}
	if len(c.d.plan.Options.Captures()) > 0 {
		seg, ok := asSegment(args[0])
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseDowncall, []string{"capture"}, fmt.Sprintf("%T", args[0]), CaptureLayout.String())
		}
		if _, err := seg.Slice(0, CaptureLayout.Size()); err != nil {
			return nil, err
		}
		if err := c.pin(seg.Scope()); err != nil {
			return nil, err
		}
		c.capture = seg
		args = args[1:]
	}
	return args, nil
}

func asSegment(v any) (memory.Segment, bool) {
	switch s := v.(type) {
	case memory.Segment:
		return s, true
	case *memory.Segment:
		if s != nil {
			return *s, true
		}
	}
	return memory.Segment{}, false
}

// lower validates every argument and writes it to its location. Nothing
// reaches native code if any argument is rejected.
func (c *call) lower(args []any) error {
	plan := c.d.plan

	if plan.StackSize > 0 {
		seg, err := c.callScope().AllocateBytes(uint64(plan.StackSize), 16)
		if err != nil {
			return err
		}
		c.stack = seg
		addr, _ := seg.Address()
		c.core[plan.StackParam] = uint64(uint32(addr))
	}

	for i, a := range plan.Args {
		if err := c.lowerArg(a, args[i]); err != nil {
			return argError(err, errors.PhaseDowncall, i)
		}
	}

	if plan.Return.Class == abi.HiddenReturnPointer {
		seg, err := c.result.Allocate(plan.Return.Layout)
		if err != nil {
			return err
		}
		c.retSeg = seg
		addr, _ := seg.Address()
		if err := c.putAddress(plan.Return.Hidden, addr, c.d.engine.DataModel().PointerSize(), plan.Params[plan.Return.Hidden.Index]); err != nil {
			return err
		}
	}
	return nil
}

func (c *call) lowerArg(a abi.ArgPlan, v any) error {
	l := a.Layout

	if l.Kind().IsPrimitive() {
		raw, err := memory.EncodeScalar(l, v)
		if err != nil {
			return err
		}
		if l.Kind() == layout.KindPointer {
			if seg, ok := asSegment(v); ok {
				if err := c.pin(seg.Scope()); err != nil {
					return err
				}
			}
		}
		return c.put(a.Parts[0], raw)
	}

	seg, ok := asSegment(v)
	if !ok {
		return errors.TypeMismatch(errors.PhaseDowncall, nil, fmt.Sprintf("%T", v), l.String())
	}
	data, err := seg.ReadAt(0, l.Size())
	if err != nil {
		return err
	}

	switch a.Class {
	case abi.Stack:
		return c.stack.WriteAt(uint64(a.Parts[0].Loc.Offset), data)
	case abi.Reference:
		cp, err := c.callScope().AllocateFrom(data, l.Align())
		if err != nil {
			return err
		}
		addr, _ := cp.Address()
		return c.put(a.Parts[0], uint64(addr))
	default:
		return c.scatter(a.Parts, data)
	}
}

// invoke runs the native code and turns an unwind into the error that
// caused it.
func (c *call) invoke(ctx context.Context, cc *callContext) error {
	d := c.d
	if d.plan.Options.IsTrivial() {
		restore := cc.enterTrivial(d.sym.String())
		defer restore()
	}

	err := d.target.call(ctx, c.core)
	if err == nil {
		return nil
	}

	failure := cc.takeFailure()
	Logger().Debug("downcall failed",
		zap.Stringer("symbol", d.sym),
		zap.Error(err),
		zap.NamedError("failure", failure))

	switch f := failure.(type) {
	case nil:
		return errors.Trap(d.sym.String(), err)
	case *callbackError:
		return errors.UpcallFailed(f.cause)
	default:
		return failure
	}
}

// lift decodes the native result.
func (c *call) lift() (any, error) {
	r := c.d.plan.Return
	switch {
	case r.IsVoid():
		return nil, nil
	case r.Class == abi.HiddenReturnPointer:
		return c.retSeg, nil
	case !r.Layout.Kind().IsPrimitive():
		seg, err := c.result.Allocate(r.Layout)
		if err != nil {
			return nil, err
		}
		data, err := c.gather(r.Parts, r.Layout.Size())
		if err != nil {
			return nil, err
		}
		if err := seg.WriteAt(0, data); err != nil {
			return nil, err
		}
		return seg, nil
	}

	raw, err := c.get(r.Parts[0])
	if err != nil {
		return nil, err
	}
	v := memory.DecodeScalar(r.Layout, raw)
	if r.Layout.Kind() != layout.KindPointer {
		return v, nil
	}
	addr := v.(memory.Address)
	if addr == 0 {
		if c.d.nonNull {
			return nil, errors.NullResult(errors.PhaseDowncall, c.d.sym.String())
		}
		return memory.Segment{}, nil
	}
	return memory.View(c.d.engine.space, addr, 0), nil
}
