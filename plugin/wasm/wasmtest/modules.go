// Package wasmtest holds hand-assembled WebAssembly modules for tests.
package wasmtest

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Minimal exports "run", a function taking nothing and returning i32 0.
var Minimal = concat(header,
	// type section: () -> i32
	[]byte{0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f},
	// function section: one function of type 0
	[]byte{0x03, 0x02, 0x01, 0x00},
	// export section: "run" -> func 0
	[]byte{0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00},
	// code section: i32.const 0; end
	[]byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0b},
)

// HTTPImport imports env.http_request and exports "run", which never calls it.
var HTTPImport = concat(header,
	// type section: () -> i32, (i64, i64, i64, i64) -> i64
	[]byte{0x01, 0x0d, 0x02,
		0x60, 0x00, 0x01, 0x7f,
		0x60, 0x04, 0x7e, 0x7e, 0x7e, 0x7e, 0x01, 0x7e},
	// import section: env.http_request, func type 1
	[]byte{0x02, 0x14, 0x01,
		0x03, 'e', 'n', 'v',
		0x0c, 'h', 't', 't', 'p', '_', 'r', 'e', 'q', 'u', 'e', 's', 't',
		0x00, 0x01},
	// function section: one function of type 0
	[]byte{0x03, 0x02, 0x01, 0x00},
	// export section: "run" -> func 1 (imports come first)
	[]byte{0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x01},
	// code section: i32.const 0; end
	[]byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0b},
)

// Garbage is not a WebAssembly module.
var Garbage = []byte("not a wasm module")

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
