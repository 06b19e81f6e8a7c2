// Package ledger talks to the custody contract on the configured chain. It
// covers exactly the surface the channel operations need: ERC-20 allowance
// and approve, custody deposit/withdraw, and the custody balance read. All
// mutating calls block until the transaction is mined.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/op/go-logging.v1"
)

const erc20JSON = `[
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const custodyJSON = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Client is bound to one chain, one custody contract, and one sending key.
type Client struct {
	log     *logging.Logger
	eth     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	account common.Address

	erc20      abi.ABI
	custodyABI abi.ABI
	custody    *bind.BoundContract
	custodyAt  common.Address
}

// Dial connects to the chain RPC endpoint and binds the custody contract.
func Dial(ctx context.Context, rpcURL string, custody common.Address, key *ecdsa.PrivateKey, log *logging.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	erc20, custodyABI, err := parseABIs()
	if err != nil {
		eth.Close()
		return nil, err
	}

	c := &Client{
		log:        log,
		eth:        eth,
		chainID:    chainID,
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		erc20:      erc20,
		custodyABI: custodyABI,
		custodyAt:  custody,
	}
	c.custody = bind.NewBoundContract(custody, custodyABI, eth, eth, eth)
	return c, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Account returns the address derived from the sending key.
func (c *Client) Account() common.Address {
	return c.account
}

// Allowance reads the ERC-20 allowance owner has granted spender.
func (c *Client) Allowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	var out []interface{}
	contract := bind.NewBoundContract(token, c.erc20, c.eth, c.eth, c.eth)
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Approve grants spender an ERC-20 allowance and waits for the mine.
func (c *Client) Approve(ctx context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error) {
	contract := bind.NewBoundContract(token, c.erc20, c.eth, c.eth, c.eth)
	return c.transact(ctx, contract, "approve", spender, amount)
}

// Deposit moves amount of token from account into the custody contract.
// The client can only send for its own key's account.
func (c *Client) Deposit(ctx context.Context, account, token common.Address, amount *big.Int) (common.Hash, error) {
	if account != c.account {
		return common.Hash{}, fmt.Errorf("deposit account %s does not match signing account %s", account.Hex(), c.account.Hex())
	}
	return c.transact(ctx, c.custody, "deposit", token, amount)
}

// Withdraw moves amount of token out of the custody contract.
func (c *Client) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, c.custody, "withdraw", token, amount)
}

// AccountBalance reads the custody balance for account/token.
func (c *Client) AccountBalance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.custody.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account, token); err != nil {
		return nil, fmt.Errorf("read custody balance: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (common.Hash, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	c.log.Debugf("%s tx %s sent, waiting for mine", method, tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: wait mined: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("%s: transaction %s reverted", method, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func parseABIs() (erc20 abi.ABI, custody abi.ABI, err error) {
	erc20, err = abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		return erc20, custody, fmt.Errorf("parse erc20 abi: %w", err)
	}
	custody, err = abi.JSON(strings.NewReader(custodyJSON))
	if err != nil {
		return erc20, custody, fmt.Errorf("parse custody abi: %w", err)
	}
	return erc20, custody, nil
}
