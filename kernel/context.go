package kernel

type Context struct {
	self            *Pid
	actor           *Actor
	name            string
	terminateReason *Terminate
	State           interface{}
}

func (c *Context) Self() *Pid {
	return c.self
}

// 如果自身注册了名字，返回
func (c *Context) Name() string {
	return c.name
}

// CastSelf 投递到自己邮箱的末尾，当前消息处理完之后才会执行
func (c *Context) CastSelf(msg interface{}) {
	c.self.push(msg)
}

func (c *Context) Exit(reason string) {
	c.self.push(&actorOP{&Terminate{Reason: reason}})
}

func (c *Context) handleCall(ci *CallInfo) {
	result := c.actor.HandleCall(c, ci.Request)
	reply(ci.RecCh, result)
}
