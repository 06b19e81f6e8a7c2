// Package wire defines the JSON frame protocol spoken between the SDK and a
// clearnode, plus the canonical signing payload used for session-key
// signatures.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Frame method discriminators.
//
// auth_request/auth_challenge/auth_verify drive the two-step handshake;
// get_ledger_balances and balance_update both deliver authoritative balance
// tables; transfer carries both the request and the node's acknowledgment;
// app_message wraps application-defined payloads (swap sessions, channel
// notifications) as free-form JSON.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodBalanceUpdate     = "balance_update"
	MethodTransfer          = "transfer"
	MethodChannelUpdate     = "channel_update"
	MethodError             = "error"
	MethodPing              = "ping"
	MethodPong              = "pong"
	MethodAppMessage        = "app_message"
)

// Frame is the envelope for every message in both directions.
//
// Requests carry a client-assigned monotonically increasing id which the node
// echoes on direct replies; node-initiated pushes carry node-assigned ids.
// Sig holds zero or more hex signatures over the canonical payload.
type Frame struct {
	// ID is the request id (echoed on replies).
	ID uint64 `json:"id"`
	// Method is the frame kind discriminator.
	Method string `json:"method"`
	// Params is the kind-dependent body. Kept raw so signature payloads
	// survive decode/re-encode byte-for-byte.
	Params json.RawMessage `json:"params,omitempty"`
	// Timestamp is unix milliseconds at send time.
	Timestamp int64 `json:"ts,omitempty"`
	// Sig holds hex-encoded signatures over Canonical().
	Sig []string `json:"sig,omitempty"`
}

// NewFrame builds a frame with marshalled params.
func NewFrame(id uint64, method string, params interface{}, ts int64) (*Frame, error) {
	f := &Frame{ID: id, Method: method, Timestamp: ts}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// Canonical returns the signing payload for the frame: the JSON array
// [id, method, params, ts]. Params bytes are embedded verbatim, so a frame
// decoded from the wire produces the same canonical bytes the sender signed.
func (f *Frame) Canonical() ([]byte, error) {
	params := f.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal([]interface{}{f.ID, f.Method, params, f.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return payload, nil
}

// Digest returns the Keccak-256 digest of the canonical signing payload.
func (f *Frame) Digest() ([]byte, error) {
	payload, err := f.Canonical()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(payload), nil
}

// DecodeParams unmarshals the frame params into v.
func (f *Frame) DecodeParams(v interface{}) error {
	if len(f.Params) == 0 {
		return fmt.Errorf("%s: empty params", f.Method)
	}
	if err := json.Unmarshal(f.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", f.Method, err)
	}
	return nil
}

// Decode parses a raw inbound message into a Frame. A frame without a method
// is rejected; everything else is left to the per-kind handlers.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Method == "" {
		return nil, fmt.Errorf("decode frame: missing method")
	}
	return &f, nil
}
