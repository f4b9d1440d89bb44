// Package protocolbuf pools scratch buffers used while encoding replies
// and messages.
package protocolbuf

import (
	"bytes"
	"sync"
)

// maxPooledSize keeps oversized buffers from pinning memory in the pool.
const maxPooledSize = 1 << 20

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuffer returns an empty buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to the pool. Callers must not retain buf.Bytes().
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
