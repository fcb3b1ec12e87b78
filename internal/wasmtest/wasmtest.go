// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Only the subset of the binary format needed by substrate's fixtures is
// supported: function types, function imports, one linear memory, function and
// memory exports, code and active data segments.
package wasmtest

import "fmt"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Opcodes used by fixtures.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpI32Load     byte = 0x28
	OpI32Store    byte = 0x36
	OpI32Const    byte = 0x41
	OpI32Add      byte = 0x6a

	blockTypeEmpty byte = 0x40
)

type funcType struct {
	params  []byte
	results []byte
}

type function struct {
	typ    funcType
	locals []byte
	body   []byte
}

type imported struct {
	module, name string
	typ          funcType
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Module is a builder for a WebAssembly module.
type Module struct {
	imports   []imported
	funcs     []function
	memPages  uint32
	hasMemory bool
	exports   []export
	data      []segment
}

// New returns an empty module builder.
func New() *Module {
	return &Module{}
}

// Import adds a function import and returns its function index. Imports must
// be added before any defined function.
func (m *Module) Import(module, name string, params, results []byte) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede defined functions")
	}
	m.imports = append(m.imports, imported{module: module, name: name, typ: funcType{params, results}})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. body must not include the
// trailing end opcode. locals lists one value type per declared local.
func (m *Module) Func(params, results, locals []byte, body ...[]byte) uint32 {
	var code []byte
	for _, b := range body {
		code = append(code, b...)
	}
	m.funcs = append(m.funcs, function{typ: funcType{params, results}, locals: locals, body: code})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory defines the module's linear memory with the given minimum pages,
// optionally exporting it under the name "memory".
func (m *Module) Memory(pages uint32, exported bool) *Module {
	m.hasMemory = true
	m.memPages = pages
	if exported {
		m.exports = append(m.exports, export{name: "memory", kind: 0x02, idx: 0})
	}
	return m
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: 0x00, idx: idx})
	return m
}

// Data places b at offset in memory 0 when the module is instantiated.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// Each import and function gets its own type entry; duplicates are legal.
	var types []byte
	for _, imp := range m.imports {
		types = append(types, encodeType(imp.typ)...)
	}
	for _, fn := range m.funcs {
		types = append(types, encodeType(fn.typ)...)
	}
	if n := len(m.imports) + len(m.funcs); n > 0 {
		out = appendSection(out, 1, vec(n, types))
	}

	if len(m.imports) > 0 {
		var body []byte
		for i, imp := range m.imports {
			body = append(body, name(imp.module)...)
			body = append(body, name(imp.name)...)
			body = append(body, 0x00)
			body = append(body, uleb(uint32(i))...)
		}
		out = appendSection(out, 2, vec(len(m.imports), body))
	}

	if len(m.funcs) > 0 {
		var body []byte
		for i := range m.funcs {
			body = append(body, uleb(uint32(len(m.imports)+i))...)
		}
		out = appendSection(out, 3, vec(len(m.funcs), body))
	}

	if m.hasMemory {
		out = appendSection(out, 5, vec(1, append([]byte{0x00}, uleb(m.memPages)...)))
	}

	if len(m.exports) > 0 {
		var body []byte
		for _, e := range m.exports {
			body = append(body, name(e.name)...)
			body = append(body, e.kind)
			body = append(body, uleb(e.idx)...)
		}
		out = appendSection(out, 7, vec(len(m.exports), body))
	}

	if len(m.funcs) > 0 {
		var body []byte
		for _, fn := range m.funcs {
			var code []byte
			code = append(code, uleb(uint32(len(fn.locals)))...)
			for _, l := range fn.locals {
				code = append(code, 0x01, l)
			}
			code = append(code, fn.body...)
			code = append(code, OpEnd)
			body = append(body, uleb(uint32(len(code)))...)
			body = append(body, code...)
		}
		out = appendSection(out, 10, vec(len(m.funcs), body))
	}

	if len(m.data) > 0 {
		var body []byte
		for _, seg := range m.data {
			body = append(body, 0x00)
			body = append(body, I32Const(int32(seg.offset))...)
			body = append(body, OpEnd)
			body = append(body, uleb(uint32(len(seg.data)))...)
			body = append(body, seg.data...)
		}
		out = appendSection(out, 11, vec(len(m.data), body))
	}

	return out
}

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte {
	return append([]byte{OpLocalGet}, uleb(idx)...)
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{OpI32Const}, sleb(int64(v))...)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return append([]byte{OpCall}, uleb(idx)...)
}

// I32Load encodes i32.load with natural alignment and the given offset.
func I32Load(offset uint32) []byte {
	return append([]byte{OpI32Load, 0x02}, uleb(offset)...)
}

// I32Store encodes i32.store with natural alignment and the given offset.
func I32Store(offset uint32) []byte {
	return append([]byte{OpI32Store, 0x02}, uleb(offset)...)
}

// Op wraps single-byte instructions.
func Op(ops ...byte) []byte {
	return ops
}

// InfiniteLoop encodes `loop br 0 end`.
func InfiniteLoop() []byte {
	return []byte{OpLoop, blockTypeEmpty, OpBr, 0x00, OpEnd}
}

func encodeType(t funcType) []byte {
	b := []byte{0x60}
	b = append(b, vec(len(t.params), t.params)...)
	b = append(b, vec(len(t.results), t.results)...)
	return b
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func vec(n int, body []byte) []byte {
	return append(uleb(uint32(n)), body...)
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

// String implements fmt.Stringer for debugging failing fixtures.
func (m *Module) String() string {
	return fmt.Sprintf("wasmtest.Module{imports: %d, funcs: %d, exports: %d}", len(m.imports), len(m.funcs), len(m.exports))
}
