package sdk_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gryffindors-team/yellow-sdk/internal/nodetest"
	"github.com/gryffindors-team/yellow-sdk/sdk"
	"github.com/gryffindors-team/yellow-sdk/sdk/sdktest"
	"github.com/gryffindors-team/yellow-sdk/wire"
)

var (
	swapFrom = common.HexToAddress("0x1000000000000000000000000000000000000001")
	swapTo   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func swapParams() sdk.SwapParams {
	return sdk.SwapParams{
		FromToken: swapFrom,
		ToToken:   swapTo,
		Amount:    "100",
		ChainID:   137,
	}
}

// swapClient builds a connected, authenticated client with a scripted
// contract for the funding deposit.
func swapClient(t *testing.T, cfg *sdk.Config) (*sdk.Client, *sdktest.StubContract, *sdktest.CaptureListener) {
	t.Helper()

	c, l := newClient(t, cfg)
	connect(t, c)
	authenticate(t, c)

	stub := sdktest.NewStubContract()
	c.SetContractClient(stub)
	return c, stub, l
}

func TestExecuteCompleteSwap(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	c, stub, _ := swapClient(t, nodeConfig(n))

	res, err := c.ExecuteCompleteSwap(context.Background(), swapParams())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.SwapID)

	sess, ok := c.CurrentSwapSession()
	require.True(t, ok)
	require.Equal(t, sdk.SwapCompleted, sess.Status)
	require.Equal(t, res.SwapID, sess.SwapID)

	// The node saw the whole conversation.
	require.Len(t, n.AppMessages("swap_session_create"), 1)
	require.Len(t, n.AppMessages("swap_channel_created"), 1)
	requests := n.AppMessages("swap_request")
	require.Len(t, requests, 1)

	var req struct {
		SessionID string `json:"session_id"`
		SwapID    string `json:"swap_id"`
		FromToken string `json:"from_token"`
		ToToken   string `json:"to_token"`
		Amount    string `json:"amount"`
		ChainID   uint64 `json:"chain_id"`
	}
	require.NoError(t, json.Unmarshal(requests[0].Payload, &req))
	require.Equal(t, sess.SessionID, req.SessionID)
	require.Equal(t, res.SwapID, req.SwapID)
	require.Equal(t, swapFrom.Hex(), req.FromToken)
	require.Equal(t, swapTo.Hex(), req.ToToken)
	require.Equal(t, "100", req.Amount)
	require.EqualValues(t, 137, req.ChainID)

	// The funding deposit really ran and is tracked as a channel.
	require.Equal(t, []string{"allowance", "approve", "deposit"}, stub.Calls())
	st := c.Snapshot()
	require.Len(t, st.Channels, 1)
	require.Equal(t, "100", st.Channels[0].Balance)
	require.Equal(t, swapFrom, st.Channels[0].Token)
}

func TestSwapRequiresAuth(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	c, _ := newClient(t, nodeConfig(n))
	connect(t, c)

	_, err := c.CreateSwapSession(swapParams())
	require.ErrorIs(t, err, sdk.ErrNotAuthenticated)
}

func TestSwapStepOrder(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	c, _, _ := swapClient(t, nodeConfig(n))

	// Unknown session ids are rejected outright.
	_, err := c.CreateSwapChannel(context.Background(), "no-such-session")
	require.ErrorIs(t, err, sdk.ErrSwapSessionInvalid)

	// The swap request cannot skip the funding step.
	sess, err := c.CreateSwapSession(swapParams())
	require.NoError(t, err)
	require.Equal(t, sdk.SwapCreated, sess.Status)

	_, err = c.SendSwapRequest(context.Background(), sess.SessionID)
	require.ErrorContains(t, err, "expected channel_created")
}

func TestSwapSessionReplaced(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	c, _, _ := swapClient(t, nodeConfig(n))

	first, err := c.CreateSwapSession(swapParams())
	require.NoError(t, err)
	second, err := c.CreateSwapSession(swapParams())
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	// Only the latest session is actionable.
	_, err = c.CreateSwapChannel(context.Background(), first.SessionID)
	require.ErrorIs(t, err, sdk.ErrSwapSessionInvalid)

	current, ok := c.CurrentSwapSession()
	require.True(t, ok)
	require.Equal(t, second.SessionID, current.SessionID)
}

func TestSwapSessionExpires(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	clock := sdktest.NewFakeClock(time.Now())

	c, _, _ := swapClient(t, nodeConfig(n))
	c.SetClock(clock)

	sess, err := c.CreateSwapSession(swapParams())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = c.CreateSwapChannel(context.Background(), sess.SessionID)
	require.ErrorIs(t, err, sdk.ErrSwapSessionInvalid)
}

func TestSwapTimeout(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	n.MuteSwapResponses()

	cfg := nodeConfig(n)
	cfg.SwapResponseTimeout = 300
	c, _, _ := swapClient(t, cfg)

	sess, err := c.CreateSwapSession(swapParams())
	require.NoError(t, err)
	_, err = c.CreateSwapChannel(context.Background(), sess.SessionID)
	require.NoError(t, err)

	_, err = c.SendSwapRequest(context.Background(), sess.SessionID)
	require.ErrorIs(t, err, sdk.ErrSwapTimeout)

	current, ok := c.CurrentSwapSession()
	require.True(t, ok)
	require.Equal(t, sdk.SwapFailed, current.Status)
	require.NotEmpty(t, current.SwapID)

	// A response landing after the timeout is dropped without effect.
	n.PushAppMessage("swap_response", map[string]interface{}{
		"swap_id": current.SwapID,
		"success": true,
	})
	time.Sleep(200 * time.Millisecond)

	current, ok = c.CurrentSwapSession()
	require.True(t, ok)
	require.Equal(t, sdk.SwapFailed, current.Status)
}

func TestSwapBusinessFailure(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	n.SetSwapResult(false, "no liquidity")

	c, _, _ := swapClient(t, nodeConfig(n))

	res, err := c.ExecuteCompleteSwap(context.Background(), swapParams())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "no liquidity", res.Error)

	sess, ok := c.CurrentSwapSession()
	require.True(t, ok)
	require.Equal(t, sdk.SwapFailed, sess.Status)
}

func TestSwapWaitKeepsFramesFlowing(t *testing.T) {
	t.Parallel()

	n := nodetest.New(t)
	n.SetSwapDelay(700 * time.Millisecond)
	n.SetBalances(wire.LedgerBalance{Asset: "usdc", Amount: "77"})

	c, _, l := swapClient(t, nodeConfig(n))

	type outcome struct {
		res sdk.SwapResult
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := c.ExecuteCompleteSwap(context.Background(), swapParams())
		resCh <- outcome{res: res, err: err}
	}()

	// While the response is pending the dispatcher keeps serving other
	// work, including inbound pushes.
	require.Eventually(t, func() bool {
		sess, ok := c.CurrentSwapSession()
		return ok && sess.Status == sdk.SwapInitiated
	}, waitFor, tick)

	n.PushBalanceUpdate()
	require.Eventually(t, func() bool {
		b, ok := l.LastBalances()
		return ok && b["usdc"] == "77"
	}, waitFor, tick)

	var out outcome
	select {
	case out = <-resCh:
	case <-time.After(waitFor):
		t.Fatal("swap never settled")
	}
	require.NoError(t, out.err)
	require.True(t, out.res.Success)
}
