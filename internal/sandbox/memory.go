package sandbox

import (
	"fmt"
	"unicode/utf8"
)

// Memory is the view of guest linear memory the bridge needs.
// api.Memory satisfies it.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
}

// ReadUTF8 copies length bytes at ptr out of guest memory and validates them
// as UTF-8. The returned string never aliases guest memory.
func ReadUTF8(mem Memory, ptr, length uint32) (string, error) {
	b, err := readBytes(mem, ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: ptr=%d len=%d", ErrInvalidEncoding, ptr, length)
	}
	return string(b), nil
}

// readBytes returns a view of guest memory; callers must copy before the
// guest resumes.
func readBytes(mem Memory, ptr, length uint32) ([]byte, error) {
	size := mem.Size()
	if end := uint64(ptr) + uint64(length); end > uint64(size) {
		return nil, &BoundsError{Ptr: ptr, Len: length, Size: size}
	}
	if length == 0 {
		return nil, nil
	}
	b, ok := mem.Read(ptr, length)
	if !ok {
		return nil, &BoundsError{Ptr: ptr, Len: length, Size: size}
	}
	return b, nil
}
