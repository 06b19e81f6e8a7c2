package sdktest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/gryffindors-team/yellow-sdk/sdk"
)

// StubContract is a scripted sdk.ContractClient. Configure the return
// values before handing it to a client; it records the call sequence
// for order assertions.
type StubContract struct {
	mu sync.Mutex

	// AllowanceValue is returned by Allowance. Defaults to zero, which
	// forces an approval before any deposit.
	AllowanceValue *big.Int

	// BalanceValue is returned by AccountBalance.
	BalanceValue *big.Int

	// Per-method errors; nil means success.
	AllowanceErr error
	ApproveErr   error
	DepositErr   error
	WithdrawErr  error
	BalanceErr   error

	calls []string
}

var _ sdk.ContractClient = (*StubContract)(nil)

// NewStubContract returns a stub with zero allowance and balance.
func NewStubContract() *StubContract {
	return &StubContract{
		AllowanceValue: big.NewInt(0),
		BalanceValue:   big.NewInt(0),
	}
}

// Allowance implements sdk.ContractClient.
func (s *StubContract) Allowance(_ context.Context, owner, spender, token common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "allowance")
	if s.AllowanceErr != nil {
		return nil, s.AllowanceErr
	}
	return new(big.Int).Set(s.AllowanceValue), nil
}

// Approve implements sdk.ContractClient.
func (s *StubContract) Approve(_ context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "approve")
	if s.ApproveErr != nil {
		return common.Hash{}, s.ApproveErr
	}
	// Approval raises the allowance the next read observes.
	s.AllowanceValue = new(big.Int).Set(amount)
	return common.HexToHash("0xa1"), nil
}

// Deposit implements sdk.ContractClient.
func (s *StubContract) Deposit(_ context.Context, account, token common.Address, amount *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "deposit")
	if s.DepositErr != nil {
		return common.Hash{}, s.DepositErr
	}
	return common.HexToHash("0xd1"), nil
}

// Withdraw implements sdk.ContractClient.
func (s *StubContract) Withdraw(_ context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "withdraw")
	if s.WithdrawErr != nil {
		return common.Hash{}, s.WithdrawErr
	}
	return common.HexToHash("0xe1"), nil
}

// AccountBalance implements sdk.ContractClient.
func (s *StubContract) AccountBalance(_ context.Context, account, token common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "balance")
	if s.BalanceErr != nil {
		return nil, s.BalanceErr
	}
	return new(big.Int).Set(s.BalanceValue), nil
}

// Calls returns the method call sequence so far.
func (s *StubContract) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// SetBalance replaces the value AccountBalance returns.
func (s *StubContract) SetBalance(v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BalanceValue = new(big.Int).Set(v)
}

// RejectingSigner refuses every signature request, as a user declining
// a wallet prompt would.
type RejectingSigner struct {
	Addr common.Address
}

var _ sdk.Signer = RejectingSigner{}

// Address implements sdk.Signer.
func (s RejectingSigner) Address() common.Address { return s.Addr }

// SignTypedData implements sdk.Signer.
func (s RejectingSigner) SignTypedData(context.Context, apitypes.TypedData) ([]byte, error) {
	return nil, sdk.ErrUserRejected
}
