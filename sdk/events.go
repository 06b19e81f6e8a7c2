package sdk

import (
	"runtime/debug"
	"sync"
)

// Listener receives client state notifications.
//
// Callbacks run on a dedicated goroutine, one at a time, in the order
// the state changes happened. A slow or panicking listener therefore
// never blocks frame handling or corrupts client state, but it will
// delay later notifications for all listeners.
type Listener interface {
	// OnConnectionStatus reports transport lifecycle transitions.
	OnConnectionStatus(status ConnectionStatus)

	// OnAuthState reports authentication being gained or lost.
	OnAuthState(authenticated bool)

	// OnBalances delivers the full replacement balance table.
	OnBalances(balances map[string]string)

	// OnChannels delivers the full channel record list.
	OnChannels(channels []ChannelInfo)

	// OnTransferResult reports the settled outcome of a transfer that
	// was accepted optimistically.
	OnTransferResult(result TransferResult)

	// OnError surfaces failures that have no operation left to return
	// through, such as node error frames.
	OnError(message string)
}

// Subscribe registers a listener and returns its cancel function. The
// cancel function may be called more than once; only the first call
// removes the listener.
func (c *Client) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}

	var id int
	_, _ = c.dispatch.call(func() (interface{}, error) {
		c.mu.Lock()
		c.subSeq++
		id = c.subSeq
		c.subscribers[id] = l
		c.mu.Unlock()
		return nil, nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = c.dispatch.call(func() (interface{}, error) {
				c.mu.Lock()
				delete(c.subscribers, id)
				c.mu.Unlock()
				return nil, nil
			})
		})
	}
}

func (c *Client) listenersSnapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls := make([]Listener, 0, len(c.subscribers))
	for _, l := range c.subscribers {
		ls = append(ls, l)
	}
	return ls
}

// emit schedules fn for every current subscriber on the callbacks
// goroutine. Listener panics are logged and contained there.
func (c *Client) emit(op string, fn func(l Listener)) {
	for _, l := range c.listenersSnapshot() {
		l := l
		_ = c.callbacks.do(func() {
			defer func() {
				if r := recover(); r != nil {
					c.logPanic(op, r)
				}
			}()
			fn(l)
		})
	}
}

func (c *Client) emitStatus(status ConnectionStatus) {
	c.emit("OnConnectionStatus", func(l Listener) {
		l.OnConnectionStatus(status)
	})
}

func (c *Client) emitAuthState(authenticated bool) {
	c.emit("OnAuthState", func(l Listener) {
		l.OnAuthState(authenticated)
	})
}

// emitBalances hands each listener its own copy of the table. The
// source map is never mutated in place after installation, so reading
// it from the callbacks goroutine is safe.
func (c *Client) emitBalances(balances map[string]string) {
	c.emit("OnBalances", func(l Listener) {
		copied := make(map[string]string, len(balances))
		for asset, amount := range balances {
			copied[asset] = amount
		}
		l.OnBalances(copied)
	})
}

func (c *Client) emitChannels(channels []ChannelInfo) {
	c.emit("OnChannels", func(l Listener) {
		l.OnChannels(append([]ChannelInfo(nil), channels...))
	})
}

func (c *Client) emitTransferResult(result TransferResult) {
	c.emit("OnTransferResult", func(l Listener) {
		l.OnTransferResult(result)
	})
}

func (c *Client) emitError(message string) {
	c.emit("OnError", func(l Listener) {
		l.OnError(message)
	})
}

func (c *Client) logPanic(context string, value interface{}) {
	c.log.Errorf("panic in %s: %v\n%s", context, value, debug.Stack())
}
