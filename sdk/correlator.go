package sdk

import (
	"encoding/json"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// The swap correlator pairs an outstanding swap request with the
// matching swap_response app message. Waiters are keyed by swap id and
// removed exactly once, by whichever of response delivery or timeout
// runs first on the dispatch goroutine. A waiter never suppresses
// general frame handling; unrelated frames flow normally while a swap
// waits.

// swapCorrelation is the fragment of a swap payload needed to route it.
type swapCorrelation struct {
	SwapID string `json:"swap_id"`
}

// addSwapWaiter registers a waiter for swapID. The channel is buffered
// so delivery never blocks the dispatcher.
func (c *Client) addSwapWaiter(swapID string) chan *wire.AppMessage {
	waiter := make(chan *wire.AppMessage, 1)
	c.mu.Lock()
	c.swapWaiters[swapID] = waiter
	c.mu.Unlock()
	return waiter
}

// removeSwapWaiter forgets the waiter for swapID and reports whether it
// was still registered.
func (c *Client) removeSwapWaiter(swapID string) bool {
	c.mu.Lock()
	_, ok := c.swapWaiters[swapID]
	delete(c.swapWaiters, swapID)
	c.mu.Unlock()
	return ok
}

// handleAppMessage routes app_message frames. A swap response with a
// registered waiter is handed to it; everything else is observational.
func (c *Client) handleAppMessage(f *wire.Frame) {
	var msg wire.AppMessage
	if err := f.DecodeParams(&msg); err != nil {
		c.log.Warningf("malformed app message: %v", err)
		return
	}

	switch msg.Type {
	case appMsgSwapResponse:
		c.handleSwapResponse(&msg)
	default:
		c.log.Debugf("app message %q ignored", msg.Type)
	}
}

// handleSwapResponse delivers a response to its waiter. A response with
// no waiter (already timed out, or never ours) is logged and dropped.
func (c *Client) handleSwapResponse(msg *wire.AppMessage) {
	var corr swapCorrelation
	if err := json.Unmarshal(msg.Payload, &corr); err != nil || corr.SwapID == "" {
		c.log.Warningf("swap response without swap id")
		return
	}

	c.mu.Lock()
	waiter, ok := c.swapWaiters[corr.SwapID]
	delete(c.swapWaiters, corr.SwapID)
	c.mu.Unlock()

	if !ok {
		c.log.Warningf("swap response for %s arrived with no waiter", corr.SwapID)
		return
	}
	waiter <- msg
}
