package bpool

import (
	"math/bits"
	"sync"
)

// 提供一个用于接收网络数据的缓冲池
// 小于64k的数据将会被重用
//
// 为什么是64k？
// 因为uint16的最大值是64k
const (
	min_size  = 32
	max_size  = 64 * 1024
	pool_size = 12 //32,64,128,256,512,1k,2k,4k,8k,16k,32k,64k
)

var pool [pool_size]sync.Pool

type Buff struct {
	b       []byte
	poolIdx int8
}

func init() {
	for i := 0; i < pool_size; i++ {
		size := getSize(i)
		idx := i
		pool[i].New = func() interface{} {
			return &Buff{poolIdx: int8(idx), b: make([]byte, size)}
		}
	}
}

func New(size int) *Buff {
	if size > max_size {
		// 理论上很少这么大的数据,重用意义不大，所以，直接申请
		b := make([]byte, 0, size)
		return &Buff{poolIdx: -1, b: b}
	}
	idx := getIndex(size)
	buf := pool[idx].Get().(*Buff)
	buf.b = buf.b[0:0]
	return buf
}

func NewBuf(buf []byte) *Buff {
	size := len(buf)
	b := New(size)
	b.b = append(b.b, buf...)
	return b
}

func getIndex(size int) int {
	if size <= min_size {
		return 0
	}
	return bits.Len32(uint32(size-1)) - 5
}

// 调用该方法后，不能继续使用buff，否则有不可预料的bug
func (b *Buff) Free() {
	if b == nil || b.poolIdx < 0 {
		return
	}
	pool[b.poolIdx].Put(b)
}

func (b *Buff) Size() int {
	return len(b.b)
}

func (b *Buff) Cap() int {
	return cap(b.b)
}

func (b *Buff) Reset() {
	b.b = b.b[0:0]
}

// Append 可能返回新的Buff，旧的已经被回收
func (b *Buff) Append(buf ...byte) *Buff {
	totalSize := len(buf) + b.Size()
	if totalSize > b.Cap() {
		newCache := New(totalSize)
		newCache.b = append(append(newCache.b, b.b...), buf...)
		b.Free()
		return newCache
	}
	b.b = append(b.b, buf...)
	return b
}

// Write 实现io.Writer，扩容的时候在原地替换底层数组
func (b *Buff) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *Buff) WriteString(s string) (int, error) {
	b.grow(len(s))
	b.b = append(b.b, s...)
	return len(s), nil
}

func (b *Buff) WriteByte(c byte) error {
	b.grow(1)
	b.b = append(b.b, c)
	return nil
}

func (b *Buff) grow(n int) {
	total := len(b.b) + n
	if total <= cap(b.b) {
		return
	}
	if total < 2*cap(b.b) {
		total = 2 * cap(b.b)
	}
	nb := New(total)
	nb.b = append(nb.b, b.b...)
	b.b, nb.b = nb.b, b.b
	b.poolIdx, nb.poolIdx = nb.poolIdx, b.poolIdx
	nb.Free()
}

// Discard 丢弃前n个字节，剩余数据移动到头部
func (b *Buff) Discard(n int) {
	if n >= len(b.b) {
		b.b = b.b[:0]
		return
	}
	m := copy(b.b, b.b[n:])
	b.b = b.b[:m]
}

func (b *Buff) ToBytes() []byte {
	return b.b
}

func (b *Buff) Copy() (buf []byte) {
	return append(buf, b.b...)
}

func (b *Buff) SetSize(size int) {
	b.b = b.b[:size]
}

func getSize(i int) int {
	return min_size << i
}
