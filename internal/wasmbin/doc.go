// Package wasmbin reads and writes the parts of the WebAssembly binary
// format the engine needs: import listing, import module renaming, and a
// small module builder for glue modules and test libraries.
package wasmbin
