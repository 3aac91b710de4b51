package kernel

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/liangmanlin/nbhttpc/ringbuffer"
)

// Pid 是actor的邮箱，投递永远不会阻塞，即使是actor自己给自己发送
type Pid struct {
	isAlive int32 // 放在第一个位置，有利于cpu快速定位
	id      int64
	mux     sync.Mutex
	queue   *ringbuffer.SingleRingBuffer[interface{}]
	signal  chan Empty
}

var actorID int64 = 0

func newPid(cacheSize int) *Pid {
	size := 1
	for size < cacheSize {
		size <<= 1
	}
	maxSize := size
	if maxSize < 1024 {
		maxSize = 1024
	}
	return &Pid{
		id:     atomic.AddInt64(&actorID, 1),
		queue:  ringbuffer.NewSingleRingBuffer[interface{}](size, maxSize),
		signal: make(chan Empty, 1),
	}
}

func (p *Pid) GetID() int64 {
	return p.id
}

func (p *Pid) String() string {
	return "<pid:" + strconv.FormatInt(p.id, 10) + ">"
}

func (p *Pid) IsAlive() bool {
	return p != nil && atomic.LoadInt32(&p.isAlive) == 1
}

func (p *Pid) Cast(msg interface{}) bool {
	return Cast(p, msg)
}

// Len 返回还没处理的消息数量
func (p *Pid) Len() int {
	p.mux.Lock()
	n := p.queue.Size()
	p.mux.Unlock()
	return n
}

func (p *Pid) push(msg interface{}) bool {
	p.mux.Lock()
	if atomic.LoadInt32(&p.isAlive) != 1 {
		p.mux.Unlock()
		return false
	}
	p.queue.Put(msg)
	p.mux.Unlock()
	select {
	case p.signal <- Empty{}:
	default:
	}
	return true
}

func (p *Pid) pop() (interface{}, bool) {
	p.mux.Lock()
	msg, ok := p.queue.Pop()
	p.mux.Unlock()
	return msg, ok
}

// 标记死亡，并且返回还没处理的消息
func (p *Pid) setDie() []interface{} {
	p.mux.Lock()
	atomic.StoreInt32(&p.isAlive, 0)
	var left []interface{}
	p.queue.Drain(func(msg interface{}) {
		left = append(left, msg)
	})
	p.mux.Unlock()
	return left
}
