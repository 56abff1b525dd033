package server

import (
	"net"
	"octo/message"
)

// ConnInfo identifies a connection in hook callbacks.
type ConnInfo struct {
	SessionID  string
	RemoteAddr net.Addr
}

// Hooks are optional lifecycle callbacks. They run on the connection's goroutine and must not
// block for long.
type Hooks struct {
	OnConnectionOpen  func(info ConnInfo)
	OnConnectionClose func(info ConnInfo, err error) // err is nil on a clean disconnect
	OnRequestComplete func(info ConnInfo, req *message.InvocationRequest, res *message.Result)
}

func (h *Hooks) connectionOpen(info ConnInfo) {
	if h.OnConnectionOpen != nil {
		h.OnConnectionOpen(info)
	}
}

func (h *Hooks) connectionClose(info ConnInfo, err error) {
	if h.OnConnectionClose != nil {
		h.OnConnectionClose(info, err)
	}
}

func (h *Hooks) requestComplete(info ConnInfo, req *message.InvocationRequest, res *message.Result) {
	if h.OnRequestComplete != nil {
		h.OnRequestComplete(info, req, res)
	}
}
