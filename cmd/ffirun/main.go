package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/manifest"
	"github.com/wippyai/wasm-ffi/runtime"
)

type options struct {
	manifest string
	wasm     string
	funcName string
	args     string
	list     bool
	plan     bool
	json     bool
}

func main() {
	var (
		manifestFile = flag.String("manifest", "", "Path to library manifest (TOML)")
		wasmFile     = flag.String("wasm", "", "Path to library wasm file (overrides the manifest)")
		funcName     = flag.String("func", "", "Function to call")
		args         = flag.String("args", "[]", "Arguments as a JSON array")
		list         = flag.Bool("list", false, "List bound functions and exit")
		plan         = flag.Bool("plan", false, "Print call plans with the listing")
		asJSON       = flag.Bool("json", false, "Print the result as JSON")
		interactive  = flag.Bool("i", false, "Interactive mode with TUI")
		verbose      = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if *manifestFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: ffirun -manifest <lib.toml> [-wasm lib.wasm] -func name [-args '[1, 2]']")
		fmt.Fprintln(os.Stderr, "       ffirun -manifest <lib.toml> -list [-plan]")
		fmt.Fprintln(os.Stderr, "       ffirun -manifest <lib.toml> -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			engine.SetLogger(logger)
			defer func() { _ = logger.Sync() }()
		}
	}

	opts := options{
		manifest: *manifestFile,
		wasm:     *wasmFile,
		funcName: *funcName,
		args:     *args,
		list:     *list,
		plan:     *plan,
		json:     *asJSON,
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load creates a runtime for the manifest's ABI and binds the library.
func load(ctx context.Context, opts options) (*runtime.Runtime, *runtime.Library, error) {
	m, err := manifest.Load(opts.manifest)
	if err != nil {
		return nil, nil, err
	}

	path := opts.wasm
	if path == "" {
		path = m.WasmPath()
	}
	if path == "" {
		return nil, nil, fmt.Errorf("no wasm file: pass -wasm or set library.wasm")
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read wasm: %w", err)
	}

	rt, err := runtime.New(ctx, &engine.Config{ABI: m.ABI()})
	if err != nil {
		return nil, nil, fmt.Errorf("create runtime: %w", err)
	}
	lib, err := rt.Load(ctx, m, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, nil, fmt.Errorf("load library: %w", err)
	}
	return rt, lib, nil
}

func run(opts options) error {
	ctx := context.Background()

	rt, lib, err := load(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if opts.list || opts.funcName == "" {
		fmt.Printf("Library: %s (%s)\n", lib.Name(), rt.Engine().ABI())
		fmt.Printf("\nFunctions:\n")
		for _, fn := range lib.Functions() {
			fmt.Printf("  %s%s\n", fn.Name(), fn.Signature()[len("func"):])
			if opts.plan {
				fmt.Printf("    %s\n", fn.Plan())
			}
		}
		if !opts.list {
			fmt.Printf("\nUse -func to call a function.\n")
		}
		return nil
	}

	args, err := decodeArgs(opts.args)
	if err != nil {
		return err
	}

	fn, ok := lib.Function(opts.funcName)
	if !ok {
		return fmt.Errorf("function %q is not in the manifest", opts.funcName)
	}

	var (
		result any
		errno  *int32
	)
	if len(fn.Plan().Options.Captures()) > 0 {
		var state engine.CallState
		result, state, err = fn.CallWithState(ctx, args...)
		errno = &state.Errno
	} else {
		result, err = fn.Call(ctx, args...)
	}
	if err != nil {
		return fmt.Errorf("call %s: %w", opts.funcName, err)
	}

	if opts.json {
		out := map[string]any{"result": result}
		if errno != nil {
			out["errno"] = *errno
		}
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Result: %v\n", result)
	if errno != nil {
		fmt.Printf("errno: %d\n", *errno)
	}
	return nil
}

// decodeArgs parses a JSON array, keeping numbers exact.
func decodeArgs(s string) ([]any, error) {
	var args []any
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("parse -args: %w", err)
	}
	if !atEOF(dec) {
		return nil, fmt.Errorf("parse -args: trailing data after the array")
	}
	return args, nil
}

// decodeValue parses one JSON value, falling back to the raw text so that
// bare strings can be typed without quotes.
func decodeValue(s string) any {
	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || !atEOF(dec) {
		return s
	}
	return v
}

func atEOF(dec *json.Decoder) bool {
	var extra any
	return dec.Decode(&extra) == io.EOF
}
