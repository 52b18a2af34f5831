package iotmqtt

import (
	"io"
	"sync"
)

// maxPooledBuffer caps the capacity of encode buffers kept for reuse.
// Larger buffers are left to the garbage collector.
const maxPooledBuffer = 64 * 1024

// Serializer scratch space shared by every connection in the process.
var (
	readerPool = sync.Pool{
		New: func() any { return new(bytesReader) },
	}

	bufferPool = sync.Pool{
		New: func() any { return &bytesBuffer{data: make([]byte, 0, 256)} },
	}
)

// bytesReader reads a fully buffered packet body.
type bytesReader struct {
	data []byte
	pos  int
}

func acquireReader(data []byte) *bytesReader {
	r := readerPool.Get().(*bytesReader)
	r.data = data
	r.pos = 0
	return r
}

func releaseReader(r *bytesReader) {
	if r == nil {
		return
	}
	r.data = nil
	r.pos = 0
	readerPool.Put(r)
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// remaining reports the unread byte count.
func (r *bytesReader) remaining() int {
	return len(r.data) - r.pos
}

// bytesBuffer accumulates an encoded packet.
type bytesBuffer struct {
	data []byte
}

func acquireBuffer() *bytesBuffer {
	b := bufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

func releaseBuffer(b *bytesBuffer) {
	if b == nil || cap(b.data) > maxPooledBuffer {
		return
	}
	b.data = b.data[:0]
	bufferPool.Put(b)
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}

// clone returns a copy of the buffered bytes that outlives the buffer.
func (b *bytesBuffer) clone() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
