package abi

import (
	"bytes"
	"strings"
	"unsafe"
)

// CString returns s as an owned NUL-terminated buffer. ok is false when s
// contains a NUL byte, which C cannot represent.
func CString(s string) (buf []byte, ok bool) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, false
	}
	buf = make([]byte, len(s)+1)
	copy(buf, s)
	return buf, true
}

// Ptr returns the address of the first byte of a NUL-terminated buffer, or
// zero for nil. The address is only for handing pinned Go memory to native
// code; it must never be converted back into a pointer on the Go side.
func Ptr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// GoString decodes a C string written into buf: bytes up to the first NUL
// (or the whole buffer), invalid UTF-8 replaced with U+FFFD.
func GoString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.ToValidUTF8(string(buf), "�")
}

// GoStringPtr decodes a NUL-terminated string owned by native code. ptr
// must not point into Go memory.
func GoStringPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
	}
	if length == 0 {
		return ""
	}
	return strings.ToValidUTF8(string(unsafe.Slice((*byte)(p), length)), "�")
}

// Bytes views size bytes of native memory at ptr. The slice must not be
// retained past the callback that produced it.
func Bytes(ptr, size uintptr) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
}

// PutString writes s NUL-terminated into buf, truncating if needed. It
// returns false when s did not fit.
func PutString(buf []byte, s string) bool {
	if len(buf) == 0 {
		return false
	}
	n := copy(buf[:len(buf)-1], s)
	buf[n] = 0
	return n == len(s)
}
