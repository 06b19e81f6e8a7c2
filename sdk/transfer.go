package sdk

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// Transfer sends an off-chain transfer to recipient. At most one
// transfer may be pending at a time; a second call while one is pending
// returns ErrTransferInFlight without disturbing it. The call is
// accepted optimistically once the request is on the wire, and the
// settled outcome arrives later via OnTransferResult.
func (c *Client) Transfer(recipient common.Address, asset, amount string) error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		return nil, c.transfer(recipient, asset, amount)
	})
	return err
}

func (c *Client) transfer(recipient common.Address, asset, amount string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Transfer", r)
			err = fmt.Errorf("transfer: %v", r)
		}
	}()

	c.mu.Lock()
	authenticated := c.authenticated
	inFlight := c.transferInFlight
	c.mu.Unlock()

	if !authenticated {
		return ErrNotAuthenticated
	}
	if inFlight {
		return ErrTransferInFlight
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("transfer: recipient is required")
	}
	if asset == "" {
		return fmt.Errorf("transfer: asset is required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("transfer: amount %q is invalid", amount)
	}
	if !amt.IsPositive() {
		return fmt.Errorf("transfer: amount must be positive")
	}

	// Claim the slot first. Every failure path below releases it; after
	// a successful send it is released by the ack or by an error frame.
	c.mu.Lock()
	c.transferInFlight = true
	c.pendingTransfer = &TransferResult{
		Recipient: recipient,
		Asset:     asset,
		Amount:    amount,
	}
	c.mu.Unlock()

	params := wire.TransferParams{
		Destination: recipient.Hex(),
		Allocations: []wire.LedgerBalance{{Asset: asset, Amount: amount}},
	}
	f, err := c.signedFrame(wire.MethodTransfer, params)
	if err == nil {
		err = c.send(f)
	}
	if err != nil {
		c.mu.Lock()
		c.transferInFlight = false
		c.pendingTransfer = nil
		c.mu.Unlock()
		return fmt.Errorf("send transfer: %w", err)
	}

	c.log.Infof("transfer queued: %s %s to %s", amount, asset, recipient.Hex())
	return nil
}

func (c *Client) handleTransferAck(f *wire.Frame) {
	var p wire.TransferAckParams
	if err := f.DecodeParams(&p); err != nil {
		c.log.Warningf("malformed transfer ack: %v", err)
		return
	}

	c.mu.Lock()
	inFlight := c.transferInFlight
	c.mu.Unlock()
	if !inFlight {
		c.log.Warningf("transfer ack with no transfer pending (id=%d)", f.ID)
		return
	}

	c.finishTransfer(p.Success, p.Error)
}

// finishTransfer releases the transfer slot and publishes the outcome.
func (c *Client) finishTransfer(success bool, errMsg string) {
	c.mu.Lock()
	res := TransferResult{Success: success, Error: errMsg}
	if c.pendingTransfer != nil {
		res.Recipient = c.pendingTransfer.Recipient
		res.Asset = c.pendingTransfer.Asset
		res.Amount = c.pendingTransfer.Amount
	}
	c.transferInFlight = false
	c.pendingTransfer = nil
	c.mu.Unlock()

	if success {
		c.log.Infof("transfer confirmed: %s %s to %s", res.Amount, res.Asset, res.Recipient.Hex())
	} else {
		c.log.Warningf("transfer failed: %s", errMsg)
	}
	c.emitTransferResult(res)
}
