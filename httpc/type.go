package httpc

import (
	"github.com/liangmanlin/nbhttpc/bpool"
	"github.com/liangmanlin/nbhttpc/kernel"
)

// loop邮箱里的消息

type submitMsg struct {
	ex *exchange
	// 已经通过了限流
	admitted bool
}

type leaseMsg struct {
	id    uint64
	entry *PoolEntry
	err   error
}

type connectedMsg struct {
	id      uint64
	entry   *PoolEntry
	session Session
	err     error
}

type dataMsg struct {
	h   *connHandler
	buf *bpool.Buff
}

type closedMsg struct {
	h   *connHandler
	err error
}

type sendMsg struct {
	id uint64
}

type resumeMsg struct {
	id uint64
}

type cancelMsg struct {
	id uint64
}

type timeoutKind int8

const (
	timeoutSocket timeoutKind = iota + 1
	timeoutExchange
)

type timeoutMsg struct {
	id   uint64
	kind timeoutKind
	seq  uint32
}

type taskMsg struct {
	f func()
}

type evictTick struct{}

type closeReq struct{}

type inflightReq struct{}

// connHandler 每个物理连接一个，把reactor的回调投递到loop
type connHandler struct {
	pid     *kernel.Pid
	entryID uint64
	session Session
}

func (h *connHandler) OnData(data []byte) {
	buf := bpool.NewBuf(data)
	if !kernel.Cast(h.pid, &dataMsg{h: h, buf: buf}) {
		buf.Free()
		h.session.Close()
	}
}

func (h *connHandler) OnClose(err error) {
	kernel.Cast(h.pid, &closedMsg{h: h, err: err})
}
