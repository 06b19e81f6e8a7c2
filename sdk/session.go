package sdk

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// ConnectionStatus describes the transport connection lifecycle.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChannelInfo is the client side record of a payment channel for one
// token and account pair. A closed channel keeps its record with a zero
// balance; records are never removed outside Logout.
type ChannelInfo struct {
	Token      common.Address
	Account    common.Address
	ChannelID  string
	Balance    string
	IsOpen     bool
	LastUpdate time.Time
}

// TransferResult reports the outcome of an off-chain transfer.
type TransferResult struct {
	Success   bool
	Recipient common.Address
	Asset     string
	Amount    string
	Error     string
}

// State is a point-in-time snapshot of client state. All reference
// fields are copies; mutating them does not affect the client.
type State struct {
	Status           ConnectionStatus
	Authenticated    bool
	Account          common.Address
	SessionAddress   common.Address
	Balances         map[string]string
	Channels         []ChannelInfo
	TransferInFlight bool
}

// channelKey derives the tracking key for a token and account pair.
// Lowercased hex, so differently cased inputs address the same record.
func channelKey(token, account common.Address) string {
	return strings.ToLower(token.Hex()) + "/" + strings.ToLower(account.Hex())
}

// Snapshot returns a copy of the current client state.
func (c *Client) Snapshot() State {
	value, _ := c.dispatch.call(func() (interface{}, error) {
		return c.snapshot(), nil
	})
	return value.(State)
}

func (c *Client) snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[string]string, len(c.balances))
	for asset, amount := range c.balances {
		balances[asset] = amount
	}
	st := State{
		Status:           c.status,
		Authenticated:    c.authenticated,
		Account:          c.account,
		Balances:         balances,
		Channels:         c.channelListLocked(),
		TransferInFlight: c.transferInFlight,
	}
	if c.sessionKey != nil {
		st.SessionAddress = c.sessionKey.Address
	}
	return st
}

// setStatus records a connection status change and publishes it.
func (c *Client) setStatus(status ConnectionStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()

	if changed {
		c.log.Infof("connection status: %v", status)
		c.emitStatus(status)
	}
}

// setAuthenticated records an auth state change and publishes it.
func (c *Client) setAuthenticated(authenticated bool) {
	c.mu.Lock()
	changed := c.authenticated != authenticated
	c.authenticated = authenticated
	c.mu.Unlock()

	if changed {
		c.log.Infof("authenticated: %v", authenticated)
		c.emitAuthState(authenticated)
	}
}

// replaceBalances swaps in a balance snapshot from the node wholesale.
// The node is authoritative; no merging with the previous table.
func (c *Client) replaceBalances(entries []wire.LedgerBalance) {
	table := make(map[string]string, len(entries))
	for _, e := range entries {
		table[e.Asset] = e.Amount
	}

	c.mu.Lock()
	c.balances = table
	c.mu.Unlock()

	c.emitBalances(table)
}

// channelList returns the tracked channel records sorted by token then
// account for stable output.
func (c *Client) channelList() []ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelListLocked()
}

func (c *Client) channelListLocked() []ChannelInfo {
	list := make([]ChannelInfo, 0, len(c.channels))
	for _, rec := range c.channels {
		list = append(list, *rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if cmp := bytes.Compare(list[i].Token.Bytes(), list[j].Token.Bytes()); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(list[i].Account.Bytes(), list[j].Account.Bytes()) < 0
	})
	return list
}
