package protocolbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolResets(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("payload")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Equal(t, 0, again.Len())
	PutBuffer(again)
}

func TestPutBufferDropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, maxPooledSize+1))
	assert.NotPanics(t, func() { PutBuffer(big) })
	assert.NotPanics(t, func() { PutBuffer(nil) })
}
