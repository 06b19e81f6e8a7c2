package sdk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Endpoint: "ws://node.invalid",
		AppName:  "sdk-test",
		Logging:  &Logging{Disable: true},
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(testConfig())
	require.NoError(t, err)
	return c
}

func TestDispatcherRunsInOrder(t *testing.T) {
	t.Parallel()

	d := newDispatcher(8)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, d.do(func() {
			got = append(got, i)
		}))
	}

	done := make(chan struct{})
	require.NoError(t, d.do(func() {
		close(done)
	}))
	<-done

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestDispatcherCallReturnsResult(t *testing.T) {
	t.Parallel()

	d := newDispatcher(0)

	value, err := d.call(func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)

	wantErr := errors.New("boom")
	_, err = d.call(func() (interface{}, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestNilDispatcherRejectsWork(t *testing.T) {
	t.Parallel()

	var d *dispatcher
	require.Error(t, d.do(func() {}))
	_, err := d.call(func() (interface{}, error) { return nil, nil })
	require.Error(t, err)
}

// TestClientSerializesConcurrentCalls hammers the public surface from many
// goroutines. The dispatcher must serialize all state access; the race
// detector is the real assertion here.
func TestClientSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)

	const goroutines = 50
	const iterations = 20

	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				_ = c.Snapshot()
				c.SetClock(RealClock{})
				// Not authenticated, so these fail fast. They still have
				// to cross the dispatcher safely.
				_ = c.Transfer(recipient, "usdc", "1")
				_, _ = c.CurrentSwapSession()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}
