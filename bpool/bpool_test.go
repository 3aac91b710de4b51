package bpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeClass(t *testing.T) {
	assert.Equal(t, 0, getIndex(1))
	assert.Equal(t, 0, getIndex(32))
	assert.Equal(t, 1, getIndex(33))
	assert.Equal(t, 7, getIndex(4*1024))
	assert.Equal(t, pool_size-1, getIndex(max_size))

	b := New(100)
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, 128, b.Cap())
	b.Free()

	big := New(max_size + 1)
	assert.Equal(t, max_size+1, big.Cap())
	big.Free()
}

func TestAppendGrows(t *testing.T) {
	b := NewBuf([]byte("hello"))
	b = b.Append([]byte(" world, this line is longer than thirty-two bytes")...)
	assert.Equal(t, "hello world, this line is longer than thirty-two bytes", string(b.ToBytes()))
	b.Free()
}

func TestWriterInPlace(t *testing.T) {
	b := New(32)
	p := b
	for i := 0; i < 10; i++ {
		_, _ = b.WriteString("0123456789")
	}
	_ = b.WriteByte('!')
	assert.Same(t, p, b)
	assert.Equal(t, 101, b.Size())
	assert.Equal(t, byte('!'), b.ToBytes()[100])
	b.Free()
}

func TestDiscard(t *testing.T) {
	b := NewBuf([]byte("abcdef"))
	b.Discard(2)
	assert.Equal(t, "cdef", string(b.ToBytes()))
	b.Discard(10)
	assert.Equal(t, 0, b.Size())
	b.Free()
}

func BenchmarkNewAndFree(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := New(128)
		buf.Free()
	}
}
