package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSize(t *testing.T) {
	assert.Nil(t, NewSingleRingBuffer[int](3, 8))
	assert.Nil(t, NewSingleRingBuffer[int](8, 4))
	assert.NotNil(t, NewSingleRingBuffer[int](4, 8))
}

func TestFIFOAcrossExpand(t *testing.T) {
	q := NewSingleRingBuffer[int](2, 4)
	require.NotNil(t, q)
	for i := 0; i < 100; i++ {
		q.Put(i)
	}
	assert.Equal(t, 100, q.Size())
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	// shrinks back once empty
	assert.Equal(t, 4, q.Cap())
}

func TestWrapAround(t *testing.T) {
	q := NewSingleRingBuffer[string](4, 4)
	q.Put("a")
	q.Put("b")
	v, _ := q.Pop()
	assert.Equal(t, "a", v)
	q.Put("c")
	q.Put("d")
	q.Put("e") // expands while head > tail
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", head)
	var got []string
	q.Drain(func(s string) { got = append(got, s) })
	assert.Equal(t, []string{"b", "c", "d", "e"}, got)
	assert.Equal(t, 0, q.Size())
}

func BenchmarkPutPop(b *testing.B) {
	q := NewSingleRingBuffer[int](64, 1024)
	for i := 0; i < b.N; i++ {
		q.Put(i)
		q.Pop()
	}
}
