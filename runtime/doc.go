// Package runtime binds manifest-described libraries to the engine and
// calls them with loosely typed values.
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, &engine.Config{ABI: abi.SysV})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	lib, err := rt.LoadFile(ctx, "geometry.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	d, err := lib.Call(ctx, "distance",
//	    map[string]any{"x": 0, "y": 0},
//	    []any{3, 4})
//
// Values decoded from JSON work as arguments: numbers may be float64 or
// json.Number, structs are maps keyed by field name or lists in field
// order, and string parameters take Go strings. Each call copies strings
// and aggregates into a scope that closes when the call returns, so
// native code must not keep those pointers.
//
// For typed access, use Function.Downcall and the engine API directly.
package runtime
