// Package bytes converts between strings and byte slices without copying.
package bytes

import "unsafe"

// StringToBytes returns the bytes backing s. The result must not be modified.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// BytesToString views b as a string. b must not be modified while the
// string is in use; RESP arguments are only valid until the handler returns.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
