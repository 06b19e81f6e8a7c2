package sdk

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestParseBaseUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		amount  string
		want    int64
		wantErr bool
	}{
		{name: "integer", amount: "100", want: 100},
		{name: "large", amount: "1000000000000000000", want: 1000000000000000000},
		{name: "zero", amount: "0", wantErr: true},
		{name: "negative", amount: "-5", wantErr: true},
		{name: "fractional", amount: "1.5", wantErr: true},
		{name: "not a number", amount: "ten", wantErr: true},
		{name: "empty", amount: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseBaseUnits(tt.amount)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.EqualValues(t, tt.want, got.Int64())
		})
	}
}

func TestClassifyChannelErr(t *testing.T) {
	t.Parallel()

	rejected := fmt.Errorf("wallet: %w", ErrUserRejected)

	opErr := classifyChannelErr(rejected, ChannelErrApprovalRejected)
	require.Equal(t, ChannelErrApprovalRejected, opErr.Kind)
	require.Equal(t, "approval rejected by user", opErr.Error())
	require.ErrorIs(t, opErr, ErrUserRejected)

	opErr = classifyChannelErr(rejected, ChannelErrTransactionRejected)
	require.Equal(t, ChannelErrTransactionRejected, opErr.Kind)
	require.Equal(t, "transaction rejected by user", opErr.Error())

	plain := errors.New("execution reverted")
	opErr = classifyChannelErr(plain, ChannelErrApprovalRejected)
	require.Equal(t, ChannelErrContract, opErr.Kind)
	require.Contains(t, opErr.Error(), "contract error")
	require.Contains(t, opErr.Error(), "execution reverted")
	require.ErrorIs(t, opErr, plain)
}

func TestChannelKeyIsLowercase(t *testing.T) {
	t.Parallel()

	token := common.HexToAddress("0xAbCdEF0000000000000000000000000000001234")
	account := common.HexToAddress("0x0102030405060708090A0b0C0d0E0F1011121314")

	key := channelKey(token, account)
	// Address.Hex() is checksummed mixed case; the key must not be.
	require.Equal(t, strings.ToLower(key), key)
	require.Contains(t, key, "/")
}

func TestRecordDepositOverwrites(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	token := common.HexToAddress("0x1000000000000000000000000000000000000001")
	account := common.HexToAddress("0x2000000000000000000000000000000000000002")

	first := c.recordDeposit(token, account, "100")
	require.Equal(t, "100", first.Balance)
	require.True(t, first.IsOpen)
	require.Equal(t, token, first.Token)
	require.Equal(t, account, first.Account)

	// A later deposit replaces the tracked balance rather than adding
	// to it; the node's channel update is the authoritative total.
	second := c.recordDeposit(token, account, "40")
	require.Equal(t, "40", second.Balance)
	require.True(t, second.IsOpen)

	list := c.channelList()
	require.Len(t, list, 1)
	require.Equal(t, "40", list[0].Balance)
}

func TestRecordWithdraw(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	token := common.HexToAddress("0x1000000000000000000000000000000000000001")
	account := common.HexToAddress("0x2000000000000000000000000000000000000002")

	c.recordDeposit(token, account, "100")

	partial := c.recordWithdraw(token, account, "30")
	require.Equal(t, "70", partial.Balance)
	require.True(t, partial.IsOpen)

	closed := c.recordWithdraw(token, account, "70")
	require.Equal(t, "0", closed.Balance)
	require.False(t, closed.IsOpen)

	// The record survives the close for display purposes.
	list := c.channelList()
	require.Len(t, list, 1)
	require.False(t, list[0].IsOpen)
	require.Equal(t, "0", list[0].Balance)
}

func TestRecordWithdrawOverdraftCloses(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	token := common.HexToAddress("0x1000000000000000000000000000000000000001")
	account := common.HexToAddress("0x2000000000000000000000000000000000000002")

	c.recordDeposit(token, account, "50")

	closed := c.recordWithdraw(token, account, "80")
	require.Equal(t, "0", closed.Balance)
	require.False(t, closed.IsOpen)
}

func TestChannelListSorted(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	account := common.HexToAddress("0x2000000000000000000000000000000000000002")

	c.recordDeposit(common.HexToAddress("0x3000000000000000000000000000000000000003"), account, "3")
	c.recordDeposit(common.HexToAddress("0x1000000000000000000000000000000000000001"), account, "1")
	c.recordDeposit(common.HexToAddress("0x2000000000000000000000000000000000000002"), account, "2")

	list := c.channelList()
	require.Len(t, list, 3)
	require.Equal(t, "1", list[0].Balance)
	require.Equal(t, "2", list[1].Balance)
	require.Equal(t, "3", list[2].Balance)
}
