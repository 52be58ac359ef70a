package abi

import (
	"sort"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
)

// CaptureErrno is the only call state that can be captured.
const CaptureErrno = "errno"

// Options adjust how a call plan is built.
type Options struct {
	capture      []string
	variadicFrom int
	hasVariadic  bool
	trivial      bool
}

// Option sets a call option.
type Option func(*Options)

// VariadicFrom marks arguments at index i and beyond as passed through "...".
func VariadicFrom(i int) Option {
	return func(o *Options) {
		o.variadicFrom = i
		o.hasVariadic = true
	}
}

// CaptureCallState requests that the named thread-local call state be
// saved right after the native call returns.
func CaptureCallState(names ...string) Option {
	return func(o *Options) {
		o.capture = append(o.capture, names...)
	}
}

// Trivial marks a call as short and non-reentrant: the callee never calls
// back into managed code.
func Trivial() Option {
	return func(o *Options) {
		o.trivial = true
	}
}

// BuildOptions applies opts to the zero Options.
func BuildOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.capture) > 0 {
		sort.Strings(o.capture)
		o.capture = dedupe(o.capture)
	}
	return o
}

func dedupe(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// FirstVariadic returns the index of the first variadic argument.
func (o Options) FirstVariadic() (int, bool) {
	return o.variadicFrom, o.hasVariadic
}

// Captures returns the captured call state names in sorted order.
func (o Options) Captures() []string {
	return append([]string(nil), o.capture...)
}

// Captured reports whether name is captured.
func (o Options) Captured(name string) bool {
	for _, c := range o.capture {
		if c == name {
			return true
		}
	}
	return false
}

// IsTrivial reports whether the call was marked trivial.
func (o Options) IsTrivial() bool { return o.trivial }

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return !o.hasVariadic && len(o.capture) == 0 && !o.trivial
}

func (o Options) String() string {
	var parts []string
	if o.hasVariadic {
		parts = append(parts, "variadic="+strconv.Itoa(o.variadicFrom))
	}
	if len(o.capture) > 0 {
		parts = append(parts, "capture="+strings.Join(o.capture, ","))
	}
	if o.trivial {
		parts = append(parts, "trivial")
	}
	return strings.Join(parts, " ")
}

func (o Options) validate(dir Direction, nargs int) error {
	if dir == Upcall && !o.IsZero() {
		return errors.InvalidOption("upcalls accept no call options (got %s)", o.String())
	}
	if o.hasVariadic && (o.variadicFrom < 0 || o.variadicFrom > nargs) {
		return errors.InvalidOption("variadic index %d out of range for %d arguments", o.variadicFrom, nargs)
	}
	for _, c := range o.capture {
		if c != CaptureErrno {
			return errors.InvalidOption("unknown call state %q", c)
		}
	}
	return nil
}
