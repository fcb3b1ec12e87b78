package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds matches any *BoundsError.
	ErrOutOfBounds = errors.New("pointer and length out of bounds")

	// ErrInvalidEncoding is returned when guest bytes are not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid utf-8")

	// ErrMissingMemoryExport is returned when a host call needs guest memory
	// but the calling module does not export it.
	ErrMissingMemoryExport = errors.New("guest does not export memory")

	// ErrArtifactClosed is returned by Invoke when the artifact was evicted
	// before the call could instantiate it.
	ErrArtifactClosed = errors.New("artifact closed")
)

// BoundsError reports a guest pointer/length pair that falls outside guest memory.
type BoundsError struct {
	Ptr  uint32
	Len  uint32
	Size uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s: ptr=%d len=%d memory=%d", ErrOutOfBounds, e.Ptr, e.Len, e.Size)
}

func (e *BoundsError) Unwrap() error { return ErrOutOfBounds }

// CompileError is returned when a binary is not a valid module for the engine.
type CompileError struct {
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	return "compile wasm module: " + e.Diagnostic
}

func (e *CompileError) Unwrap() error { return e.Err }

// EntryPointError is returned when the requested export does not exist or is
// not a function.
type EntryPointError struct {
	Symbol string
}

func (e *EntryPointError) Error() string {
	return fmt.Sprintf("function `%s` not found", e.Symbol)
}

// SignatureError is returned when the entry point's parameter count does not
// match the arguments the host supplies.
type SignatureError struct {
	Symbol string
	Params int
	Args   int
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("function `%s` takes %d params, host supplies %d", e.Symbol, e.Params, e.Args)
}

// TrapError is a runtime fault raised by guest code.
type TrapError struct {
	Description string
	Err         error
}

func (e *TrapError) Error() string {
	return "guest trap: " + e.Description
}

func (e *TrapError) Unwrap() error { return e.Err }

// InstantiateError is a host-side failure to create an execution context
// for a compiled module.
type InstantiateError struct {
	Err error
}

func (e *InstantiateError) Error() string {
	return "instantiate module: " + e.Err.Error()
}

func (e *InstantiateError) Unwrap() error { return e.Err }
