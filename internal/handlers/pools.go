package handlers

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// responseBufferPool holds buffers for encoding JSON envelopes so encoding
// errors are caught before headers are sent.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("Unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 4096))
	}
	return buf
}

func putResponseBuffer(buf *bytes.Buffer) {
	// Oversized buffers from large batch reports are left to the GC.
	if buf.Cap() > 1<<20 {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
