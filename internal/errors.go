package internal

import "bytes"

// CString turns a NUL / zero terminated byte buffer into a string.
//
// Buffers without a terminator are returned whole.
func CString(in []byte) string {
	inLen := bytes.IndexByte(in, 0)
	if inLen == -1 {
		return string(in)
	}
	return string(in[:inLen])
}
