package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Names of the host module, its functions, and the memory export guests
// must provide to call them.
const (
	HostModule   = "env"
	FuncLog      = "log"
	MemoryExport = "memory"
)

// Sink receives log calls made by guests.
type Sink interface {
	Emit(ctx context.Context, topic, message string)
}

// HostCallError is returned from Invoke when a host function rejected the
// guest's arguments. It unwraps to the Memory Bridge error that caused it.
type HostCallError struct {
	Func string
	Err  error
}

func (e *HostCallError) Error() string {
	return fmt.Sprintf("host call %s.%s: %v", HostModule, e.Func, e.Err)
}

func (e *HostCallError) Unwrap() error { return e.Err }

type host struct {
	sink Sink
}

// log implements env.log(topic_ptr, topic_len, msg_ptr, msg_len).
//
// Failures panic: wazero recovers the panic and fails the guest call with it,
// so the invocation aborts without the guest observing a return.
func (h *host) log(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.ExportedMemory(MemoryExport)
	if mem == nil {
		panic(&HostCallError{Func: FuncLog, Err: ErrMissingMemoryExport})
	}

	topic, err := ReadUTF8(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		panic(&HostCallError{Func: FuncLog, Err: fmt.Errorf("topic: %w", err)})
	}
	message, err := ReadUTF8(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if err != nil {
		panic(&HostCallError{Func: FuncLog, Err: fmt.Errorf("message: %w", err)})
	}

	h.sink.Emit(ctx, topic, message)
}

func instantiateHost(ctx context.Context, rt wazero.Runtime, sink Sink) (api.Module, error) {
	h := &host{sink: sink}
	i32 := api.ValueTypeI32
	return rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.log), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{}).
		WithParameterNames("topic", "topic_len", "message", "message_len").
		Export(FuncLog).
		Instantiate(ctx)
}
