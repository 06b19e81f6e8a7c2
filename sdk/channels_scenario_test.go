package sdk_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gryffindors-team/yellow-sdk/internal/nodetest"
	"github.com/gryffindors-team/yellow-sdk/sdk"
	"github.com/gryffindors-team/yellow-sdk/sdk/sdktest"
	"github.com/gryffindors-team/yellow-sdk/wire"
)

var chanToken = common.HexToAddress("0x1000000000000000000000000000000000000001")

// chainClient builds an offline client with a registered wallet and a
// scripted contract. Channel operations run against the chain, not the
// node, so no connection is needed.
func chainClient(t *testing.T) (*sdk.Client, *sdktest.StubContract, *sdktest.CaptureListener) {
	t.Helper()

	cfg := &sdk.Config{
		Endpoint:       "ws://node.invalid",
		AppName:        "scenario-app",
		CustodyAddress: "0x00000000000000000000000000000000000000c5",
		Logging:        &sdk.Logging{Disable: true},
	}
	c, err := sdk.NewClient(cfg)
	require.NoError(t, err)
	l := sdktest.NewCaptureListener()
	c.Subscribe(l)

	require.NoError(t, c.Authenticate(newSigner(t), common.Address{}))

	stub := sdktest.NewStubContract()
	c.SetContractClient(stub)
	return c, stub, l
}

func TestDepositApprovesWhenAllowanceShort(t *testing.T) {
	t.Parallel()

	c, stub, l := chainClient(t)

	rec, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)
	require.Equal(t, "100", rec.Balance)
	require.True(t, rec.IsOpen)
	require.Equal(t, chanToken, rec.Token)

	// Zero allowance forces the approval before the deposit.
	require.Equal(t, []string{"allowance", "approve", "deposit"}, stub.Calls())

	require.Eventually(t, func() bool {
		ch, ok := l.LastChannels()
		return ok && len(ch) == 1 && ch[0].Balance == "100"
	}, waitFor, tick)
}

func TestDepositSkipsApproveWithSufficientAllowance(t *testing.T) {
	t.Parallel()

	c, stub, _ := chainClient(t)
	stub.AllowanceValue = big.NewInt(1000)

	_, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)
	require.Equal(t, []string{"allowance", "deposit"}, stub.Calls())
}

func TestDepositReplacesTrackedBalance(t *testing.T) {
	t.Parallel()

	c, _, _ := chainClient(t)

	_, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)
	rec, err := c.Deposit(context.Background(), chanToken, "40")
	require.NoError(t, err)
	require.Equal(t, "40", rec.Balance)

	st := c.Snapshot()
	require.Len(t, st.Channels, 1)
	require.Equal(t, "40", st.Channels[0].Balance)
}

func TestDepositErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		configure   func(stub *sdktest.StubContract)
		wantKind    sdk.ChannelErrorKind
		wantMessage string
	}{
		{
			name: "approval rejected",
			configure: func(stub *sdktest.StubContract) {
				stub.ApproveErr = fmt.Errorf("wallet: %w", sdk.ErrUserRejected)
			},
			wantKind:    sdk.ChannelErrApprovalRejected,
			wantMessage: "approval rejected by user",
		},
		{
			name: "transaction rejected",
			configure: func(stub *sdktest.StubContract) {
				stub.DepositErr = fmt.Errorf("wallet: %w", sdk.ErrUserRejected)
			},
			wantKind:    sdk.ChannelErrTransactionRejected,
			wantMessage: "transaction rejected by user",
		},
		{
			name: "contract failure",
			configure: func(stub *sdktest.StubContract) {
				stub.DepositErr = errors.New("execution reverted")
			},
			wantKind:    sdk.ChannelErrContract,
			wantMessage: "contract error: execution reverted",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, stub, l := chainClient(t)
			tt.configure(stub)

			_, err := c.Deposit(context.Background(), chanToken, "100")
			var opErr *sdk.ChannelOpError
			require.ErrorAs(t, err, &opErr)
			require.Equal(t, tt.wantKind, opErr.Kind)
			require.Equal(t, tt.wantMessage, opErr.Error())

			// No channel is recorded for a failed deposit.
			require.Empty(t, c.Snapshot().Channels)

			require.Eventually(t, func() bool {
				for _, msg := range l.Errors() {
					if msg == tt.wantMessage {
						return true
					}
				}
				return false
			}, waitFor, tick)
		})
	}
}

func TestDepositRequiresSignerAndContract(t *testing.T) {
	t.Parallel()

	cfg := &sdk.Config{
		Endpoint: "ws://node.invalid",
		AppName:  "scenario-app",
		Logging:  &sdk.Logging{Disable: true},
	}
	c, err := sdk.NewClient(cfg)
	require.NoError(t, err)

	_, err = c.Deposit(context.Background(), chanToken, "100")
	require.ErrorIs(t, err, sdk.ErrNoSigner)

	require.NoError(t, c.Authenticate(newSigner(t), common.Address{}))
	_, err = c.Deposit(context.Background(), chanToken, "100")
	require.ErrorIs(t, err, sdk.ErrNoContractClient)
}

func TestWithdrawLifecycle(t *testing.T) {
	t.Parallel()

	c, stub, _ := chainClient(t)

	_, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)

	rec, err := c.Withdraw(context.Background(), chanToken, "30")
	require.NoError(t, err)
	require.Equal(t, "70", rec.Balance)
	require.True(t, rec.IsOpen)

	// Withdrawing the full remainder closes the channel.
	rec, err = c.Withdraw(context.Background(), chanToken, "70")
	require.NoError(t, err)
	require.Equal(t, "0", rec.Balance)
	require.False(t, rec.IsOpen)

	// The closed record survives but no longer accepts withdrawals.
	st := c.Snapshot()
	require.Len(t, st.Channels, 1)
	require.False(t, st.Channels[0].IsOpen)
	_, err = c.Withdraw(context.Background(), chanToken, "1")
	require.ErrorIs(t, err, sdk.ErrNoChannel)

	require.Equal(t,
		[]string{"allowance", "approve", "deposit", "withdraw", "withdraw"},
		stub.Calls())
}

func TestWithdrawWithoutChannel(t *testing.T) {
	t.Parallel()

	c, _, _ := chainClient(t)

	_, err := c.Withdraw(context.Background(), chanToken, "10")
	require.ErrorIs(t, err, sdk.ErrNoChannel)
}

func TestWithdrawRejectedKeepsBalance(t *testing.T) {
	t.Parallel()

	c, stub, _ := chainClient(t)

	_, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)

	stub.WithdrawErr = fmt.Errorf("wallet: %w", sdk.ErrUserRejected)
	_, err = c.Withdraw(context.Background(), chanToken, "30")

	var opErr *sdk.ChannelOpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, sdk.ChannelErrTransactionRejected, opErr.Kind)

	// Nothing moved on chain, so the tracked balance is untouched.
	st := c.Snapshot()
	require.Len(t, st.Channels, 1)
	require.Equal(t, "100", st.Channels[0].Balance)
	require.True(t, st.Channels[0].IsOpen)
}

func TestRefreshChannelBalances(t *testing.T) {
	t.Parallel()

	c, stub, _ := chainClient(t)

	_, err := c.Deposit(context.Background(), chanToken, "100")
	require.NoError(t, err)

	// The contract's view drifted from the tracked one.
	stub.SetBalance(big.NewInt(77))
	require.NoError(t, c.RefreshChannelBalances(context.Background()))

	st := c.Snapshot()
	require.Len(t, st.Channels, 1)
	require.Equal(t, "77", st.Channels[0].Balance)
}

func TestRefreshChannelBalancesRequiresContract(t *testing.T) {
	t.Parallel()

	cfg := &sdk.Config{
		Endpoint: "ws://node.invalid",
		AppName:  "scenario-app",
		Logging:  &sdk.Logging{Disable: true},
	}
	c, err := sdk.NewClient(cfg)
	require.NoError(t, err)

	require.ErrorIs(t, c.RefreshChannelBalances(context.Background()), sdk.ErrNoContractClient)
}

func TestChannelUpdatePush(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	c, l := newClient(t, nodeConfig(n))
	connect(t, c)
	signer := authenticate(t, c)

	n.PushChannelUpdate(wire.ChannelUpdateParams{
		ChannelID:   "ch-1",
		Participant: signer.Address().Hex(),
		Token:       chanToken.Hex(),
		Amount:      "55",
		Status:      "open",
	})

	require.Eventually(t, func() bool {
		ch, ok := l.LastChannels()
		return ok && len(ch) == 1 && ch[0].ChannelID == "ch-1" &&
			ch[0].Balance == "55" && ch[0].IsOpen
	}, waitFor, tick)

	// A partial update adjusts only the fields it carries.
	n.PushChannelUpdate(wire.ChannelUpdateParams{
		Participant: signer.Address().Hex(),
		Token:       chanToken.Hex(),
		Amount:      "40",
	})

	require.Eventually(t, func() bool {
		ch, ok := l.LastChannels()
		return ok && len(ch) == 1 && ch[0].Balance == "40"
	}, waitFor, tick)
	ch, _ := l.LastChannels()
	require.Equal(t, "ch-1", ch[0].ChannelID)
	require.True(t, ch[0].IsOpen)

	// The node closing the channel flips the record.
	n.PushChannelUpdate(wire.ChannelUpdateParams{
		Participant: signer.Address().Hex(),
		Token:       chanToken.Hex(),
		Amount:      "0",
		Status:      "closed",
	})

	require.Eventually(t, func() bool {
		ch, ok := l.LastChannels()
		return ok && len(ch) == 1 && !ch[0].IsOpen && ch[0].Balance == "0"
	}, waitFor, tick)
}
