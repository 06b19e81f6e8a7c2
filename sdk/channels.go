package sdk

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// chainOp is the stage-one snapshot for an on-chain operation: what the
// blocking stage may use without touching client state.
type chainOp struct {
	contract ContractClient
	account  common.Address
	custody  common.Address
	amount   *big.Int
}

// beginChainOp validates the prerequisites shared by Deposit and
// Withdraw and snapshots what the blocking stage needs.
func (c *Client) beginChainOp(amount string) (chainOp, error) {
	c.mu.Lock()
	signer := c.signer
	account := c.account
	contract := c.contract
	c.mu.Unlock()

	if signer == nil || account == (common.Address{}) {
		return chainOp{}, ErrNoSigner
	}
	if contract == nil {
		return chainOp{}, ErrNoContractClient
	}

	wei, err := parseBaseUnits(amount)
	if err != nil {
		return chainOp{}, err
	}

	return chainOp{
		contract: contract,
		account:  account,
		custody:  common.HexToAddress(c.cfg.CustodyAddress),
		amount:   wei,
	}, nil
}

// parseBaseUnits parses a positive integral base-unit amount.
func parseBaseUnits(amount string) (*big.Int, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q is invalid", amount)
	}
	if !dec.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	if !dec.IsInteger() {
		return nil, fmt.Errorf("amount %q must be in integer base units", amount)
	}
	return dec.BigInt(), nil
}

// Deposit moves amount of token into the custody contract and records
// the channel optimistically. Allowance is checked first and an
// approval transaction inserted when short.
//
// A new deposit replaces the tracked balance rather than adding to it;
// the node's channel_update pushes remain the authoritative view. The
// chain work blocks only the calling goroutine. Failures are classified
// via ChannelOpError and also published through OnError.
func (c *Client) Deposit(ctx context.Context, token common.Address, amount string) (_ ChannelInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Deposit", r)
			err = fmt.Errorf("deposit: %v", r)
		}
	}()

	value, err := c.dispatch.call(func() (interface{}, error) {
		return c.beginChainOp(amount)
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	op := value.(chainOp)

	if err := c.runDeposit(ctx, op, token); err != nil {
		c.emitError(err.Error())
		return ChannelInfo{}, err
	}

	value, err = c.dispatch.call(func() (interface{}, error) {
		rec := c.recordDeposit(token, op.account, amount)
		c.emitChannels(c.channelList())
		return rec, nil
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	return value.(ChannelInfo), nil
}

// runDeposit performs the blocking chain sequence: allowance check,
// approval when short, deposit.
func (c *Client) runDeposit(ctx context.Context, op chainOp, token common.Address) error {
	allowance, err := op.contract.Allowance(ctx, op.account, op.custody, token)
	if err != nil {
		return classifyChannelErr(err, ChannelErrContract)
	}
	if allowance.Cmp(op.amount) < 0 {
		if _, err := op.contract.Approve(ctx, op.custody, token, op.amount); err != nil {
			return classifyChannelErr(err, ChannelErrApprovalRejected)
		}
	}
	if _, err := op.contract.Deposit(ctx, op.account, token, op.amount); err != nil {
		return classifyChannelErr(err, ChannelErrTransactionRejected)
	}
	return nil
}

// Withdraw takes amount of token back out of the custody contract. On
// confirmation the tracked balance is decremented; withdrawing the full
// balance or more closes the channel, leaving the record at balance
// zero. Records are never removed outside Logout.
func (c *Client) Withdraw(ctx context.Context, token common.Address, amount string) (_ ChannelInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Withdraw", r)
			err = fmt.Errorf("withdraw: %v", r)
		}
	}()

	value, err := c.dispatch.call(func() (interface{}, error) {
		op, err := c.beginChainOp(amount)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		rec, ok := c.channels[channelKey(token, op.account)]
		open := ok && rec.IsOpen
		c.mu.Unlock()
		if !open {
			return nil, ErrNoChannel
		}
		return op, nil
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	op := value.(chainOp)

	if _, err := op.contract.Withdraw(ctx, token, op.amount); err != nil {
		opErr := classifyChannelErr(err, ChannelErrTransactionRejected)
		c.emitError(opErr.Error())
		return ChannelInfo{}, opErr
	}

	value, err = c.dispatch.call(func() (interface{}, error) {
		rec := c.recordWithdraw(token, op.account, amount)
		c.emitChannels(c.channelList())
		return rec, nil
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	return value.(ChannelInfo), nil
}

// RefreshChannelBalances reconciles every open channel's tracked
// balance with the custody contract's view. Rows that fail to read keep
// their previous value.
func (c *Client) RefreshChannelBalances(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("RefreshChannelBalances", r)
			err = fmt.Errorf("refresh channel balances: %v", r)
		}
	}()

	type refreshPlan struct {
		contract ContractClient
		account  common.Address
		tokens   []common.Address
	}

	value, err := c.dispatch.call(func() (interface{}, error) {
		c.mu.Lock()
		contract := c.contract
		account := c.account
		var tokens []common.Address
		for _, rec := range c.channels {
			if rec.IsOpen && rec.Account == account {
				tokens = append(tokens, rec.Token)
			}
		}
		c.mu.Unlock()

		if contract == nil {
			return nil, ErrNoContractClient
		}
		return refreshPlan{contract: contract, account: account, tokens: tokens}, nil
	})
	if err != nil {
		return err
	}
	plan := value.(refreshPlan)

	updates := make(map[common.Address]string, len(plan.tokens))
	for _, token := range plan.tokens {
		bal, err := plan.contract.AccountBalance(ctx, plan.account, token)
		if err != nil {
			c.log.Warningf("balance read for %s failed: %v", token.Hex(), err)
			continue
		}
		updates[token] = bal.String()
	}

	_, err = c.dispatch.call(func() (interface{}, error) {
		if len(updates) == 0 {
			return nil, nil
		}
		now := c.now()
		c.mu.Lock()
		for token, balance := range updates {
			if rec, ok := c.channels[channelKey(token, plan.account)]; ok {
				rec.Balance = balance
				rec.LastUpdate = now
			}
		}
		c.mu.Unlock()
		c.emitChannels(c.channelList())
		return nil, nil
	})
	return err
}

// recordDeposit overwrites the channel record for token and account
// with the deposit amount as its balance. A prior channel id survives.
func (c *Client) recordDeposit(token, account common.Address, amount string) ChannelInfo {
	now := c.now()

	c.mu.Lock()
	key := channelKey(token, account)
	channelID := ""
	if prior, ok := c.channels[key]; ok {
		channelID = prior.ChannelID
	}
	rec := &ChannelInfo{
		Token:      token,
		Account:    account,
		ChannelID:  channelID,
		Balance:    amount,
		IsOpen:     true,
		LastUpdate: now,
	}
	c.channels[key] = rec
	snapshot := *rec
	c.mu.Unlock()

	c.log.Infof("channel %s funded: %s", key, amount)
	return snapshot
}

// recordWithdraw decrements the tracked balance, closing at zero.
func (c *Client) recordWithdraw(token, account common.Address, amount string) ChannelInfo {
	now := c.now()

	c.mu.Lock()
	key := channelKey(token, account)
	rec, ok := c.channels[key]
	if !ok {
		// The record vanished while the transaction confirmed (logout
		// in between). Track the close anyway.
		rec = &ChannelInfo{Token: token, Account: account}
		c.channels[key] = rec
	}

	withdrawn, werr := decimal.NewFromString(amount)
	balance, berr := decimal.NewFromString(rec.Balance)
	if berr != nil {
		balance = decimal.Zero
	}
	if werr == nil && withdrawn.LessThan(balance) {
		rec.Balance = balance.Sub(withdrawn).String()
	} else {
		rec.Balance = "0"
		rec.IsOpen = false
	}
	rec.LastUpdate = now
	snapshot := *rec
	c.mu.Unlock()

	if snapshot.IsOpen {
		c.log.Infof("channel %s balance now %s", key, snapshot.Balance)
	} else {
		c.log.Infof("channel %s closed", key)
	}
	return snapshot
}

// handleChannelUpdate applies a node channel push. The node is
// authoritative for channel identity, balance and open state.
func (c *Client) handleChannelUpdate(f *wire.Frame) {
	var p wire.ChannelUpdateParams
	if err := f.DecodeParams(&p); err != nil {
		c.log.Warningf("malformed channel update: %v", err)
		return
	}

	token := common.HexToAddress(p.Token)
	account := common.HexToAddress(p.Participant)
	now := c.now()

	c.mu.Lock()
	key := channelKey(token, account)
	rec, ok := c.channels[key]
	if !ok {
		rec = &ChannelInfo{Token: token, Account: account}
		c.channels[key] = rec
	}
	if p.ChannelID != "" {
		rec.ChannelID = p.ChannelID
	}
	if p.Amount != "" {
		rec.Balance = p.Amount
	}
	if p.Status != "" {
		rec.IsOpen = p.Status == "open"
	}
	rec.LastUpdate = now

	// A channel id arriving for the swap's funding channel completes
	// that session's record.
	if c.swap != nil && c.swap.ChannelID == "" && p.ChannelID != "" &&
		c.swap.FromToken == token && c.swap.Participant == account {
		c.swap.ChannelID = p.ChannelID
	}
	c.mu.Unlock()

	c.emitChannels(c.channelList())
}
