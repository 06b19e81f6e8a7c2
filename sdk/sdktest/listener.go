package sdktest

import (
	"sync"

	"github.com/gryffindors-team/yellow-sdk/sdk"
)

// CaptureListener records every notification it receives for later
// assertions. All methods are safe for concurrent use, so tests can
// poll the accessors with require.Eventually while the client runs.
type CaptureListener struct {
	mu sync.Mutex

	statuses  []sdk.ConnectionStatus
	auth      []bool
	balances  []map[string]string
	channels  [][]sdk.ChannelInfo
	transfers []sdk.TransferResult
	errors    []string
}

var _ sdk.Listener = (*CaptureListener)(nil)

// NewCaptureListener returns an empty listener.
func NewCaptureListener() *CaptureListener {
	return &CaptureListener{}
}

// OnConnectionStatus implements sdk.Listener.
func (l *CaptureListener) OnConnectionStatus(status sdk.ConnectionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

// OnAuthState implements sdk.Listener.
func (l *CaptureListener) OnAuthState(authenticated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auth = append(l.auth, authenticated)
}

// OnBalances implements sdk.Listener.
func (l *CaptureListener) OnBalances(balances map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = append(l.balances, balances)
}

// OnChannels implements sdk.Listener.
func (l *CaptureListener) OnChannels(channels []sdk.ChannelInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels = append(l.channels, channels)
}

// OnTransferResult implements sdk.Listener.
func (l *CaptureListener) OnTransferResult(result sdk.TransferResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers = append(l.transfers, result)
}

// OnError implements sdk.Listener.
func (l *CaptureListener) OnError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

// Statuses returns all connection status notifications so far.
func (l *CaptureListener) Statuses() []sdk.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sdk.ConnectionStatus(nil), l.statuses...)
}

// LastStatus returns the most recent connection status, if any.
func (l *CaptureListener) LastStatus() (sdk.ConnectionStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return 0, false
	}
	return l.statuses[len(l.statuses)-1], true
}

// AuthStates returns all auth state notifications so far.
func (l *CaptureListener) AuthStates() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.auth...)
}

// LastAuth returns the most recent auth state, if any.
func (l *CaptureListener) LastAuth() (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.auth) == 0 {
		return false, false
	}
	return l.auth[len(l.auth)-1], true
}

// LastBalances returns the most recent balance table, if any.
func (l *CaptureListener) LastBalances() (map[string]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.balances) == 0 {
		return nil, false
	}
	return l.balances[len(l.balances)-1], true
}

// LastChannels returns the most recent channel list, if any.
func (l *CaptureListener) LastChannels() ([]sdk.ChannelInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.channels) == 0 {
		return nil, false
	}
	return l.channels[len(l.channels)-1], true
}

// TransferResults returns all transfer outcomes so far.
func (l *CaptureListener) TransferResults() []sdk.TransferResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sdk.TransferResult(nil), l.transfers...)
}

// Errors returns all error messages so far.
func (l *CaptureListener) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}
