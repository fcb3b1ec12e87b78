package sandbox

import (
	"errors"
	"math"
	"testing"
)

// fakeMemory records reads so tests can assert nothing outside the buffer is
// ever requested.
type fakeMemory struct {
	buf   []byte
	reads int
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	m.reads++
	if uint64(offset)+uint64(byteCount) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount], true
}

func TestReadUTF8_Valid(t *testing.T) {
	mem := &fakeMemory{buf: []byte("xxhello, wörld")}

	got, err := ReadUTF8(mem, 2, uint32(len("hello, wörld")))
	if err != nil {
		t.Fatalf("ReadUTF8: %v", err)
	}
	if got != "hello, wörld" {
		t.Errorf("got %q, want %q", got, "hello, wörld")
	}
}

func TestReadUTF8_ZeroLength(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 8)}

	for _, ptr := range []uint32{0, 4, 8} {
		got, err := ReadUTF8(mem, ptr, 0)
		if err != nil {
			t.Fatalf("ReadUTF8(ptr=%d, len=0): %v", ptr, err)
		}
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	}
}

func TestReadUTF8_ExactEnd(t *testing.T) {
	mem := &fakeMemory{buf: []byte("abcdef")}

	got, err := ReadUTF8(mem, 3, 3)
	if err != nil {
		t.Fatalf("ReadUTF8: %v", err)
	}
	if got != "def" {
		t.Errorf("got %q, want def", got)
	}
}

func TestReadUTF8_OutOfBounds(t *testing.T) {
	const size = 65536
	tests := []struct {
		name string
		ptr  uint32
		len  uint32
	}{
		{"one past end", size - 4, 5},
		{"pointer past end", size + 1, 0},
		{"length exceeds memory", 0, size + 1},
		{"both max", math.MaxUint32, math.MaxUint32},
		{"wrap to small end", math.MaxUint32, 2},
		{"large length small pointer", 16, math.MaxUint32 - 8},
		{"negative i32 pointer", uint32(0xfffffff0), 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := &fakeMemory{buf: make([]byte, size)}

			_, err := ReadUTF8(mem, tt.ptr, tt.len)
			if !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("expected ErrOutOfBounds, got %v", err)
			}
			var be *BoundsError
			if !errors.As(err, &be) {
				t.Fatalf("expected *BoundsError, got %T", err)
			}
			if be.Ptr != tt.ptr || be.Len != tt.len || be.Size != size {
				t.Errorf("unexpected bounds error fields: %+v", be)
			}
			if mem.reads != 0 {
				t.Errorf("memory was read %d times for an out-of-bounds range", mem.reads)
			}
		})
	}
}

func TestReadUTF8_NeverReadsPastBuffer(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 1024)}
	values := []uint32{0, 1, 512, 1023, 1024, 1025, 1 << 16, 1 << 31, math.MaxUint32 - 1, math.MaxUint32}

	for _, ptr := range values {
		for _, n := range values {
			mem.reads = 0
			_, err := ReadUTF8(mem, ptr, n)
			inBounds := uint64(ptr)+uint64(n) <= 1024
			if inBounds && err != nil {
				t.Errorf("ReadUTF8(%d, %d): unexpected error %v", ptr, n, err)
			}
			if !inBounds {
				if !errors.Is(err, ErrOutOfBounds) {
					t.Errorf("ReadUTF8(%d, %d): expected ErrOutOfBounds, got %v", ptr, n, err)
				}
				if mem.reads != 0 {
					t.Errorf("ReadUTF8(%d, %d): read memory for out-of-bounds range", ptr, n)
				}
			}
		}
	}
}

func TestReadUTF8_InvalidEncoding(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"lone continuation byte", []byte{0x80}},
		{"invalid start byte", []byte{0xff, 0xfe}},
		{"truncated sequence", []byte{'o', 'k', 0xe2, 0x82}},
		{"surrogate half", []byte{0xed, 0xa0, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := &fakeMemory{buf: tt.data}

			_, err := ReadUTF8(mem, 0, uint32(len(tt.data)))
			if !errors.Is(err, ErrInvalidEncoding) {
				t.Fatalf("expected ErrInvalidEncoding, got %v", err)
			}
			if errors.Is(err, ErrOutOfBounds) {
				t.Error("encoding error must not match ErrOutOfBounds")
			}
		})
	}
}

func TestReadUTF8_ReturnsCopy(t *testing.T) {
	mem := &fakeMemory{buf: []byte("guest")}

	got, err := ReadUTF8(mem, 0, 5)
	if err != nil {
		t.Fatalf("ReadUTF8: %v", err)
	}

	copy(mem.buf, "XXXXX")
	if got != "guest" {
		t.Errorf("result aliases guest memory: got %q after mutation", got)
	}
}

func TestReadUTF8_ReadRefused(t *testing.T) {
	mem := refusingMemory{size: 32}

	_, err := ReadUTF8(mem, 0, 8)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

type refusingMemory struct{ size uint32 }

func (m refusingMemory) Size() uint32 { return m.size }

func (m refusingMemory) Read(_, _ uint32) ([]byte, bool) { return nil, false }
