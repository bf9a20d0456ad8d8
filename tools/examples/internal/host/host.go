//go:build tinygo || wasm

package host

import "unsafe"

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Result hands the tool's JSON result to the host. Call it once before
// the entrypoint returns; later calls overwrite earlier ones.
func Result(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	code := hostResult(unsafe.Pointer(&data[0]), uint32(len(data)))
	return code == 0
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_result
func hostResult(ptr unsafe.Pointer, length uint32) uint32
