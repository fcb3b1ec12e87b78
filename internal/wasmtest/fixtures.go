package wasmtest

// Layout of the data placed in memory by LogCall.
const (
	TopicOffset   = 0
	MessageOffset = 16
)

var (
	i32x1 = []byte{I32}
	i32x4 = []byte{I32, I32, I32, I32}
)

// Echo returns a module exporting run(i32) -> i32 that returns its argument.
func Echo() []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, i32x1, nil, LocalGet(0))
	return m.Export("run", run).Bytes()
}

// Counter returns a module whose run(i32) -> i32 increments the i32 at
// address 0 and returns the new value. Every call on a fresh instance
// returns 1.
func Counter() []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, i32x1, nil,
		I32Const(0),
		I32Const(0), I32Load(0),
		I32Const(1), Op(OpI32Add),
		I32Store(0),
		I32Const(0), I32Load(0),
	)
	return m.Export("run", run).Bytes()
}

// NoResult returns a module exporting run(i32) with no results.
func NoResult() []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, nil, nil)
	return m.Export("run", run).Bytes()
}

// Trap returns a module whose run(i32) -> i32 executes unreachable.
func Trap() []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, i32x1, nil, Op(OpUnreachable))
	return m.Export("run", run).Bytes()
}

// Exporting returns an echo module exporting its entry point under name.
func Exporting(name string) []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, i32x1, nil, LocalGet(0))
	return m.Export(name, run).Bytes()
}

// NoArgs returns a module exporting run() -> i32 returning 7.
func NoArgs() []byte {
	m := New().Memory(1, true)
	run := m.Func(nil, i32x1, nil, I32Const(7))
	return m.Export("run", run).Bytes()
}

// UnknownImport returns a module importing a host function substrate does
// not provide.
func UnknownImport() []byte {
	m := New()
	m.Import("env", "missing", nil, nil)
	m.Memory(1, true)
	run := m.Func(i32x1, i32x1, nil, LocalGet(0))
	return m.Export("run", run).Bytes()
}

// LogCall describes a guest that calls env.log once and then returns its
// argument.
type LogCall struct {
	Topic, Message []byte

	// Pointer and length overrides; when zero the real location of Topic
	// and Message are used.
	TopicPtr, TopicLen, MessagePtr, MessageLen int32

	// HideMemory defines memory without exporting it.
	HideMemory bool
}

// Bytes encodes the LogCall guest.
func (c LogCall) Bytes() []byte {
	topicPtr, topicLen := c.TopicPtr, c.TopicLen
	if topicPtr == 0 && topicLen == 0 {
		topicPtr, topicLen = TopicOffset, int32(len(c.Topic))
	}
	msgPtr, msgLen := c.MessagePtr, c.MessageLen
	if msgPtr == 0 && msgLen == 0 {
		msgPtr, msgLen = MessageOffset, int32(len(c.Message))
	}

	m := New()
	log := m.Import("env", "log", i32x4, nil)
	m.Memory(1, !c.HideMemory)
	run := m.Func(i32x1, i32x1, nil,
		I32Const(topicPtr), I32Const(topicLen),
		I32Const(msgPtr), I32Const(msgLen),
		Call(log),
		LocalGet(0),
	)
	m.Export("run", run)
	if len(c.Topic) > 0 {
		m.Data(TopicOffset, c.Topic)
	}
	if len(c.Message) > 0 {
		m.Data(MessageOffset, c.Message)
	}
	return m.Bytes()
}

// Exit returns a module whose run(i32) -> i32 calls WASI proc_exit with code.
func Exit(code int32) []byte {
	m := New()
	exit := m.Import("wasi_snapshot_preview1", "proc_exit", i32x1, nil)
	m.Memory(1, true)
	run := m.Func(i32x1, i32x1, nil, I32Const(code), Call(exit), Op(OpUnreachable))
	return m.Export("run", run).Bytes()
}

// ExitOnInit returns an echo module whose _initialize calls proc_exit with
// code.
func ExitOnInit(code int32) []byte {
	m := New()
	exit := m.Import("wasi_snapshot_preview1", "proc_exit", i32x1, nil)
	m.Memory(1, true)
	setup := m.Func(nil, nil, nil, I32Const(code), Call(exit))
	run := m.Func(i32x1, i32x1, nil, LocalGet(0))
	return m.Export("_initialize", setup).Export("run", run).Bytes()
}

// Initializer returns a module whose _initialize stores v at address 0 and
// whose run(i32) -> i32 returns the i32 at address 0.
func Initializer(v int32) []byte {
	m := New().Memory(1, true)
	setup := m.Func(nil, nil, nil, I32Const(0), I32Const(v), I32Store(0))
	run := m.Func(i32x1, i32x1, nil, I32Const(0), I32Load(0))
	return m.Export("_initialize", setup).Export("run", run).Bytes()
}

// MultiResult returns a module exporting run(i32) -> (i32, i32) that returns
// its argument twice.
func MultiResult() []byte {
	m := New().Memory(1, true)
	run := m.Func(i32x1, []byte{I32, I32}, nil, LocalGet(0), LocalGet(0))
	return m.Export("run", run).Bytes()
}
