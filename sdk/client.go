// Package sdk implements a clearnode client: connection and session
// management, the wallet authentication handshake, off-chain balances and
// transfers, on-chain custody channels, and the cross-chain swap flow.
//
// A Client serializes every state change onto a single dispatch goroutine,
// so all exported methods are safe to call from any goroutine. Operations
// that wait on the outside world (wallet prompts, chain transactions, swap
// responses) block only their caller; frame handling keeps running.
package sdk

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/gryffindors-team/yellow-sdk/internal/ledger"
	"github.com/gryffindors-team/yellow-sdk/internal/log"
	"github.com/gryffindors-team/yellow-sdk/internal/storage"
	"github.com/gryffindors-team/yellow-sdk/internal/transport"
	"github.com/gryffindors-team/yellow-sdk/wire"
)

const dispatchQueueSize = 256

// CredentialStore persists the session key and bearer token between runs.
// storage.NewMemoryStore is the default; storage.NewBoltStore persists to
// disk with the session key sealed under a passphrase.
type CredentialStore interface {
	SessionKey() (string, error)
	SetSessionKey(hexKey string) error
	Token() (string, error)
	SetToken(token string) error
	Clear() error
}

// ContractClient performs the on-chain custody operations behind deposits
// and withdrawals. ledger.Dial returns the production implementation.
//
// Implementations wrap ErrUserRejected when the user declines a signature
// prompt so the client can classify the failure.
type ContractClient interface {
	Allowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error)
	Deposit(ctx context.Context, account, token common.Address, amount *big.Int) (common.Hash, error)
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	AccountBalance(ctx context.Context, account, token common.Address) (*big.Int, error)
}

var _ ContractClient = (*ledger.Client)(nil)

// Client is a clearnode client.
type Client struct {
	cfg     *Config
	backend *log.Backend
	log     *logging.Logger

	dispatch  *dispatcher
	callbacks *dispatcher

	// mu guards the fields below. They are only mutated inside dispatched
	// closures; the mutex covers reads from other goroutines.
	mu sync.Mutex

	ch       *transport.Channel
	store    CredentialStore
	contract ContractClient
	clock    Clock

	status        ConnectionStatus
	account       common.Address
	signer        Signer
	sessionKey    *SessionKey
	authenticated bool
	attempt       *authAttempt

	balances         map[string]string
	channels         map[string]*ChannelInfo
	transferInFlight bool
	pendingTransfer  *TransferResult

	swap        *SwapSession
	swapWaiters map[string]chan *wire.AppMessage

	subscribers map[int]Listener
	subSeq      int

	nextID uint64
}

// NewClient validates cfg and creates a client. The client starts
// disconnected, with an in-memory credential store and the real clock;
// use the Set methods to swap those in before connecting.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		backend:     backend,
		log:         backend.GetLogger("sdk"),
		dispatch:    newDispatcher(dispatchQueueSize),
		callbacks:   newDispatcher(dispatchQueueSize),
		store:       storage.NewMemoryStore(),
		clock:       RealClock{},
		balances:    make(map[string]string),
		channels:    make(map[string]*ChannelInfo),
		swapWaiters: make(map[string]chan *wire.AppMessage),
		subscribers: make(map[int]Listener),
	}
	return c, nil
}

// SetCredentialStore replaces the credential store. Call it before
// Authenticate; switching stores mid-session is not supported.
func (c *Client) SetCredentialStore(store CredentialStore) {
	_ = c.dispatch.do(func() {
		if store == nil {
			store = storage.NewMemoryStore()
		}
		c.mu.Lock()
		c.store = store
		c.mu.Unlock()
	})
}

// SetContractClient wires in the on-chain client used by Deposit,
// Withdraw and the swap channel step.
func (c *Client) SetContractClient(cc ContractClient) {
	_ = c.dispatch.do(func() {
		c.mu.Lock()
		c.contract = cc
		c.mu.Unlock()
	})
}

// SetClock overrides the time source.
func (c *Client) SetClock(clk Clock) {
	_ = c.dispatch.do(func() {
		if clk == nil {
			clk = RealClock{}
		}
		c.mu.Lock()
		c.clock = clk
		c.mu.Unlock()
	})
}

// DialChain connects the contract client described by the config
// (ChainRPCURL, CustodyAddress) with the given key and wires it in.
func (c *Client) DialChain(ctx context.Context, key *ecdsa.PrivateKey) error {
	if c.cfg.ChainRPCURL == "" {
		return errors.New("config: ChainRPCURL is missing")
	}
	cc, err := ledger.Dial(ctx, c.cfg.ChainRPCURL, common.HexToAddress(c.cfg.CustodyAddress), key,
		c.backend.GetLogger("ledger"))
	if err != nil {
		return err
	}
	c.SetContractClient(cc)
	return nil
}

// Connect starts connecting to the configured endpoint. Idempotent: when
// already connecting or connected it does nothing. It returns before the
// connection is up; the outcome arrives via OnConnectionStatus.
func (c *Client) Connect() error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		return nil, c.connect()
	})
	return err
}

func (c *Client) connect() (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Connect", r)
			err = fmt.Errorf("connect: %v", r)
		}
	}()

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != StatusDisconnected {
		return nil
	}

	if c.ch == nil {
		ch, err := transport.New(c.cfg.Endpoint, c.backend.GetLogger("transport"))
		if err != nil {
			return err
		}
		ch.OnOpen(func() {
			_ = c.dispatch.do(c.handleOpen)
		})
		ch.OnDown(func(reason string) {
			_ = c.dispatch.do(func() { c.handleDown(reason) })
		})
		ch.OnFrame(func(f *wire.Frame) {
			_ = c.dispatch.do(func() { c.handleFrame(f) })
		})
		c.mu.Lock()
		c.ch = ch
		c.mu.Unlock()
	}

	c.setStatus(StatusConnecting)
	c.ch.Connect()
	return nil
}

// Close tears the connection down. Authentication is lost; tracked
// balances and channels are retained. Use Logout to clear session state.
func (c *Client) Close() error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		return nil, c.close()
	})
	return err
}

func (c *Client) close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Close", r)
			err = fmt.Errorf("close: %v", r)
		}
	}()

	c.abortAuthAttempt()
	c.setAuthenticated(false)
	if c.ch != nil {
		err = c.ch.Close()
	}
	c.setStatus(StatusDisconnected)
	return err
}

// RefreshBalances re-requests the ledger balance snapshot from the node.
// The table arrives via OnBalances.
func (c *Client) RefreshBalances() error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		if !c.isAuthenticated() {
			return nil, ErrNotAuthenticated
		}
		c.requestBalances()
		return nil, nil
	})
	return err
}

func (c *Client) handleOpen() {
	c.setStatus(StatusConnected)
	c.maybeAuthenticate()
}

func (c *Client) handleDown(reason string) {
	c.log.Warningf("connection down: %s", reason)
	c.abortAuthAttempt()
	c.setAuthenticated(false)
	c.setStatus(StatusDisconnected)
}

// handleFrame routes one inbound frame. Runs on the dispatch goroutine in
// transport arrival order.
func (c *Client) handleFrame(f *wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("handleFrame", r)
		}
	}()

	c.log.Debugf("frame in: id=%d method=%s", f.ID, f.Method)

	switch f.Method {
	case wire.MethodAuthChallenge:
		c.handleAuthChallenge(f)
	case wire.MethodAuthVerify:
		c.handleAuthResult(f)
	case wire.MethodGetLedgerBalances, wire.MethodBalanceUpdate:
		c.handleBalances(f)
	case wire.MethodTransfer:
		c.handleTransferAck(f)
	case wire.MethodChannelUpdate:
		c.handleChannelUpdate(f)
	case wire.MethodAppMessage:
		c.handleAppMessage(f)
	case wire.MethodError:
		c.handleErrorFrame(f)
	case wire.MethodPing:
		c.handlePing(f)
	case wire.MethodPong:
		// Keepalive reply, nothing to update.
	default:
		c.log.Debugf("ignoring frame method %q", f.Method)
	}
}

func (c *Client) handleBalances(f *wire.Frame) {
	var p wire.BalancesParams
	if err := f.DecodeParams(&p); err != nil {
		c.log.Warningf("malformed balances frame: %v", err)
		return
	}
	c.replaceBalances(p.LedgerBalances)
}

func (c *Client) handlePing(f *wire.Frame) {
	pong, err := wire.NewFrame(f.ID, wire.MethodPong, nil, c.now().UnixMilli())
	if err == nil {
		err = c.send(pong)
	}
	if err != nil {
		c.log.Warningf("pong failed: %v", err)
	}
}

// requestBalances asks the node for the ledger balance snapshot. Fire and
// forget; the reply lands in handleBalances.
func (c *Client) requestBalances() {
	f, err := c.signedFrame(wire.MethodGetLedgerBalances, wire.GetLedgerBalancesParams{
		Participant: c.accountAddr().Hex(),
	})
	if err == nil {
		err = c.send(f)
	}
	if err != nil {
		c.log.Warningf("balance refresh failed: %v", err)
	}
}

// nextFrame builds a frame with the next request id and the current
// timestamp.
func (c *Client) nextFrame(method string, params interface{}) (*wire.Frame, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return wire.NewFrame(id, method, params, c.now().UnixMilli())
}

// signedFrame builds a frame and signs it with the session key.
func (c *Client) signedFrame(method string, params interface{}) (*wire.Frame, error) {
	f, err := c.nextFrame(method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()
	if key == nil {
		return nil, errors.New("no session key")
	}

	digest, err := f.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := key.sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign %s frame: %w", method, err)
	}
	f.Sig = []string{sig}
	return f, nil
}

func (c *Client) send(f *wire.Frame) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(f)
}

func (c *Client) now() time.Time {
	c.mu.Lock()
	clk := c.clock
	c.mu.Unlock()
	return clk.Now()
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) accountAddr() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}
