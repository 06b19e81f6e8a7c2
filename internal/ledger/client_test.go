package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestABIsParse(t *testing.T) {
	t.Parallel()

	erc20, custody, err := parseABIs()
	require.NoError(t, err)

	require.Equal(t, "allowance(address,address)", erc20.Methods["allowance"].Sig)
	require.Equal(t, "approve(address,uint256)", erc20.Methods["approve"].Sig)
	require.Equal(t, "deposit(address,uint256)", custody.Methods["deposit"].Sig)
	require.Equal(t, "withdraw(address,uint256)", custody.Methods["withdraw"].Sig)
	require.Equal(t, "balanceOf(address,address)", custody.Methods["balanceOf"].Sig)
}

func TestDepositPacksSelectorAndArgs(t *testing.T) {
	t.Parallel()

	_, custody, err := parseABIs()
	require.NoError(t, err)

	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	data, err := custody.Pack("deposit", token, big.NewInt(100))
	require.NoError(t, err)

	// 4-byte selector + two 32-byte words.
	require.Len(t, data, 4+32+32)
	require.Equal(t, custody.Methods["deposit"].ID, data[:4])
}
