package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// swapSessionTTL bounds how long a created swap session stays usable.
const swapSessionTTL = time.Hour

// App message types of the swap flow.
const (
	appMsgSwapSessionCreate = "swap_session_create"
	appMsgSwapChannelReady  = "swap_channel_created"
	appMsgSwapRequest       = "swap_request"
	appMsgSwapResponse      = "swap_response"
)

// SwapStatus tracks a swap session through its lifecycle. Transitions
// are forward-only; completed and failed are terminal.
type SwapStatus string

const (
	SwapCreated        SwapStatus = "created"
	SwapChannelCreated SwapStatus = "channel_created"
	SwapInitiated      SwapStatus = "swap_initiated"
	SwapCompleted      SwapStatus = "completed"
	SwapFailed         SwapStatus = "failed"
)

// SwapParams describes the exchange to perform.
type SwapParams struct {
	FromToken common.Address
	ToToken   common.Address

	// Amount of FromToken to swap, in base units.
	Amount string

	// ChainID of the source token. Zero means the configured chain.
	ChainID uint64
}

// SwapSession is the tracked state of one swap. The client tracks at
// most one; creating a new session abandons the previous one.
type SwapSession struct {
	SessionID   string
	Participant common.Address
	FromToken   common.Address
	ToToken     common.Address
	Amount      string
	ChainID     uint64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      SwapStatus
	ChannelID   string
	SwapID      string

	// busy marks a step in progress so a concurrent call cannot run the
	// same step twice.
	busy bool
}

// SwapResult is the node's verdict on a swap request.
type SwapResult struct {
	Success bool
	SwapID  string
	Error   string
}

type swapSessionPayload struct {
	SessionID   string `json:"session_id"`
	Participant string `json:"participant"`
	FromToken   string `json:"from_token"`
	ToToken     string `json:"to_token"`
	Amount      string `json:"amount"`
	ChainID     uint64 `json:"chain_id"`
	Timestamp   int64  `json:"timestamp"`
	Expire      int64  `json:"expire"`
}

type swapChannelPayload struct {
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
}

type swapRequestPayload struct {
	SessionID string `json:"session_id"`
	SwapID    string `json:"swap_id"`
	FromToken string `json:"from_token"`
	ToToken   string `json:"to_token"`
	Amount    string `json:"amount"`
	ChainID   uint64 `json:"chain_id"`
}

type swapResponsePayload struct {
	SwapID  string `json:"swap_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CreateSwapSession registers a new swap session with the node and
// tracks it locally in the created state.
func (c *Client) CreateSwapSession(p SwapParams) (SwapSession, error) {
	value, err := c.dispatch.call(func() (interface{}, error) {
		return c.createSwapSession(p)
	})
	if err != nil {
		return SwapSession{}, err
	}
	return value.(SwapSession), nil
}

func (c *Client) createSwapSession(p SwapParams) (_ SwapSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("CreateSwapSession", r)
			err = fmt.Errorf("create swap session: %v", r)
		}
	}()

	c.mu.Lock()
	authenticated := c.authenticated
	account := c.account
	prior := c.swap
	c.mu.Unlock()

	if !authenticated {
		return SwapSession{}, ErrNotAuthenticated
	}
	if p.FromToken == (common.Address{}) || p.ToToken == (common.Address{}) {
		return SwapSession{}, fmt.Errorf("swap: from and to tokens are required")
	}
	amt, err := decimal.NewFromString(p.Amount)
	if err != nil || !amt.IsPositive() {
		return SwapSession{}, fmt.Errorf("swap: amount %q is invalid", p.Amount)
	}
	chainID := p.ChainID
	if chainID == 0 {
		chainID = c.cfg.ChainID
	}

	now := c.now()
	sess := SwapSession{
		SessionID:   uuid.NewString(),
		Participant: account,
		FromToken:   p.FromToken,
		ToToken:     p.ToToken,
		Amount:      p.Amount,
		ChainID:     chainID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(swapSessionTTL),
		Status:      SwapCreated,
	}

	payload := swapSessionPayload{
		SessionID:   sess.SessionID,
		Participant: account.Hex(),
		FromToken:   sess.FromToken.Hex(),
		ToToken:     sess.ToToken.Hex(),
		Amount:      sess.Amount,
		ChainID:     sess.ChainID,
		Timestamp:   now.UnixMilli(),
		Expire:      sess.ExpiresAt.Unix(),
	}
	if err := c.sendAppMessage(appMsgSwapSessionCreate, payload); err != nil {
		return SwapSession{}, fmt.Errorf("swap session create: %w", err)
	}

	if prior != nil && prior.Status != SwapCompleted && prior.Status != SwapFailed {
		c.log.Warningf("abandoning unfinished swap session %s", prior.SessionID)
	}
	c.mu.Lock()
	c.swap = &sess
	c.mu.Unlock()

	c.log.Infof("swap session %s created: %s %s -> %s (chain %d)",
		sess.SessionID, sess.Amount, sess.FromToken.Hex(), sess.ToToken.Hex(), sess.ChainID)
	return sess, nil
}

// CreateSwapChannel funds the swap by depositing the session's source
// amount into a custody channel, then advances the session to
// channel_created. The deposit step blocks on chain confirmations, so
// only the caller waits; frame handling continues throughout.
func (c *Client) CreateSwapChannel(ctx context.Context, sessionID string) (_ SwapSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("CreateSwapChannel", r)
			err = fmt.Errorf("create swap channel: %v", r)
		}
	}()

	value, err := c.dispatch.call(func() (interface{}, error) {
		sess, err := c.requireSwapSession(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != SwapCreated {
			return nil, fmt.Errorf("swap session %s is %s, expected %s", sessionID, sess.Status, SwapCreated)
		}
		if sess.busy {
			return nil, fmt.Errorf("swap session %s has a step in progress", sessionID)
		}
		c.mu.Lock()
		sess.busy = true
		snapshot := *sess
		c.mu.Unlock()
		return snapshot, nil
	})
	if err != nil {
		return SwapSession{}, err
	}
	snapshot := value.(SwapSession)

	if _, err := c.Deposit(ctx, snapshot.FromToken, snapshot.Amount); err != nil {
		_ = c.dispatch.do(func() {
			c.releaseSwapStep(sessionID)
		})
		return SwapSession{}, fmt.Errorf("swap channel deposit: %w", err)
	}

	value, err = c.dispatch.call(func() (interface{}, error) {
		c.releaseSwapStep(sessionID)
		sess, err := c.requireSwapSession(sessionID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if rec, ok := c.channels[channelKey(sess.FromToken, sess.Participant)]; ok {
			sess.ChannelID = rec.ChannelID
		}
		sess.Status = SwapChannelCreated
		snapshot := *sess
		c.mu.Unlock()

		// Advisory; the deposit is already committed on chain.
		payload := swapChannelPayload{
			SessionID: snapshot.SessionID,
			ChannelID: snapshot.ChannelID,
			Token:     snapshot.FromToken.Hex(),
			Amount:    snapshot.Amount,
		}
		if err := c.sendAppMessage(appMsgSwapChannelReady, payload); err != nil {
			c.log.Warningf("swap channel notification failed: %v", err)
		}

		c.log.Infof("swap session %s channel ready", snapshot.SessionID)
		return snapshot, nil
	})
	if err != nil {
		return SwapSession{}, err
	}
	return value.(SwapSession), nil
}

// SendSwapRequest submits the swap to the node and waits for the
// response or the configured timeout. The session advances to
// swap_initiated when the request is sent and settles to completed or
// failed with the outcome.
func (c *Client) SendSwapRequest(ctx context.Context, sessionID string) (_ SwapResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("SendSwapRequest", r)
			err = fmt.Errorf("send swap request: %v", r)
		}
	}()

	type pendingSwap struct {
		swapID string
		waiter chan *wire.AppMessage
	}

	value, err := c.dispatch.call(func() (interface{}, error) {
		sess, err := c.requireSwapSession(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != SwapChannelCreated {
			return nil, fmt.Errorf("swap session %s is %s, expected %s", sessionID, sess.Status, SwapChannelCreated)
		}
		if sess.busy {
			return nil, fmt.Errorf("swap session %s has a step in progress", sessionID)
		}

		swapID := uuid.NewString()
		payload := swapRequestPayload{
			SessionID: sess.SessionID,
			SwapID:    swapID,
			FromToken: sess.FromToken.Hex(),
			ToToken:   sess.ToToken.Hex(),
			Amount:    sess.Amount,
			ChainID:   sess.ChainID,
		}
		waiter := c.addSwapWaiter(swapID)
		if err := c.sendAppMessage(appMsgSwapRequest, payload); err != nil {
			c.removeSwapWaiter(swapID)
			c.mu.Lock()
			sess.Status = SwapFailed
			c.mu.Unlock()
			return nil, fmt.Errorf("swap request: %w", err)
		}

		c.mu.Lock()
		sess.busy = true
		sess.SwapID = swapID
		sess.Status = SwapInitiated
		c.mu.Unlock()

		c.log.Infof("swap %s submitted for session %s", swapID, sessionID)
		return pendingSwap{swapID: swapID, waiter: waiter}, nil
	})
	if err != nil {
		return SwapResult{}, err
	}
	pend := value.(pendingSwap)

	// Wait off the dispatcher so inbound frames, including the response
	// itself, keep flowing.
	var msg *wire.AppMessage
	var waitErr error
	select {
	case msg = <-pend.waiter:
	case <-time.After(time.Duration(c.cfg.SwapResponseTimeout) * time.Millisecond):
		waitErr = ErrSwapTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	value, err = c.dispatch.call(func() (interface{}, error) {
		sess := c.releaseSwapStep(sessionID)

		if waitErr != nil {
			if !c.removeSwapWaiter(pend.swapID) {
				// Lost the race: the response was delivered between the
				// timeout firing and this closure running. Use it.
				select {
				case msg = <-pend.waiter:
					waitErr = nil
				default:
				}
			}
		}
		if waitErr != nil {
			c.failSwapSession(sess)
			c.log.Warningf("swap %s: %v", pend.swapID, waitErr)
			return nil, waitErr
		}

		var resp swapResponsePayload
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			c.failSwapSession(sess)
			return nil, fmt.Errorf("malformed swap response: %w", err)
		}

		result := SwapResult{Success: resp.Success, SwapID: pend.swapID, Error: resp.Error}
		c.mu.Lock()
		if sess != nil {
			if resp.Success {
				sess.Status = SwapCompleted
			} else {
				sess.Status = SwapFailed
			}
		}
		c.mu.Unlock()

		if resp.Success {
			c.log.Infof("swap %s completed", pend.swapID)
		} else {
			c.log.Warningf("swap %s failed: %s", pend.swapID, resp.Error)
		}
		return result, nil
	})
	if err != nil {
		return SwapResult{}, err
	}
	return value.(SwapResult), nil
}

// ExecuteCompleteSwap runs the whole flow: session, funding channel,
// swap request, response wait. Each failure is labeled with the step it
// happened in. The flow is not transactional; a deposit made before a
// later failure stays in the channel.
func (c *Client) ExecuteCompleteSwap(ctx context.Context, p SwapParams) (SwapResult, error) {
	sess, err := c.CreateSwapSession(p)
	if err != nil {
		return SwapResult{}, fmt.Errorf("Session creation failed: %w", err)
	}
	if _, err := c.CreateSwapChannel(ctx, sess.SessionID); err != nil {
		return SwapResult{}, fmt.Errorf("Channel creation failed: %w", err)
	}
	res, err := c.SendSwapRequest(ctx, sess.SessionID)
	if err != nil {
		return res, fmt.Errorf("Swap execution failed: %w", err)
	}
	return res, nil
}

// CurrentSwapSession returns a copy of the tracked swap session, if any.
func (c *Client) CurrentSwapSession() (SwapSession, bool) {
	value, _ := c.dispatch.call(func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.swap == nil {
			return nil, nil
		}
		return *c.swap, nil
	})
	if value == nil {
		return SwapSession{}, false
	}
	return value.(SwapSession), true
}

// requireSwapSession returns the tracked session if it matches
// sessionID and has not expired.
func (c *Client) requireSwapSession(sessionID string) (*SwapSession, error) {
	c.mu.Lock()
	sess := c.swap
	c.mu.Unlock()

	if sess == nil || sess.SessionID != sessionID {
		return nil, ErrSwapSessionInvalid
	}
	if c.now().After(sess.ExpiresAt) {
		return nil, ErrSwapSessionInvalid
	}
	return sess, nil
}

// releaseSwapStep clears the busy mark and returns the tracked session
// when it still is sessionID, nil otherwise.
func (c *Client) releaseSwapStep(sessionID string) *SwapSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swap == nil || c.swap.SessionID != sessionID {
		return nil
	}
	c.swap.busy = false
	return c.swap
}

func (c *Client) failSwapSession(sess *SwapSession) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	sess.Status = SwapFailed
	c.mu.Unlock()
}

// sendAppMessage wraps payload in an app message and sends it. The
// payload carries its own session-key signature in addition to the
// frame signature, so relayed messages stay attributable.
func (c *Client) sendAppMessage(msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()
	if key == nil {
		return fmt.Errorf("no session key")
	}
	sig, err := key.sign(crypto.Keccak256(raw))
	if err != nil {
		return fmt.Errorf("sign %s payload: %w", msgType, err)
	}

	msg := wire.AppMessage{Type: msgType, Payload: raw, Signature: sig}
	f, err := c.signedFrame(wire.MethodAppMessage, msg)
	if err != nil {
		return err
	}
	return c.send(f)
}
