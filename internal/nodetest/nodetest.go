// Package nodetest runs an in-process clearnode imitation for tests:
// enough of the wire protocol to drive a client through handshakes,
// balance flows, transfers and swaps, with scripted verdicts.
//
// The node verifies signatures for real: frame signatures must recover
// to the announced session key and the challenge signature must recover
// to the wallet that requested authentication.
package nodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handshake records one completed or rejected authentication.
type Handshake struct {
	Wallet     common.Address
	SessionKey common.Address
	Verified   bool
	TokenUsed  string
}

// Node is a scripted clearnode over an httptest server.
type Node struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
	wmu  sync.Mutex

	frames     []*wire.Frame
	handshakes []Handshake
	pending    *pendingAuth

	authSucceed     bool
	tokenToIssue    string
	balances        []wire.LedgerBalance
	transferAutoAck bool
	transferOK      bool
	transferErr     string
	swapRespond     bool
	swapOK          bool
	swapErr         string
	swapDelay       time.Duration

	nextID uint64
}

type pendingAuth struct {
	params    wire.AuthRequestParams
	challenge string
}

// New starts a node and registers its shutdown with t.Cleanup.
func New(t *testing.T) *Node {
	n := &Node{
		t:               t,
		authSucceed:     true,
		transferAutoAck: true,
		transferOK:      true,
		swapRespond:     true,
		swapOK:          true,
		nextID:          9000,
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handleUpgrade))
	t.Cleanup(n.Close)
	return n
}

// URL returns the node's http endpoint. The client rewrites it to ws.
func (n *Node) URL() string {
	return n.srv.URL
}

// Close shuts the server down.
func (n *Node) Close() {
	n.srv.Close()
}

// DropConnection closes the current connection from the node side, as a
// network failure would.
func (n *Node) DropConnection() {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// SetAuthVerdict controls whether handshakes pass the verify step. A
// cryptographically invalid signature fails regardless.
func (n *Node) SetAuthVerdict(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authSucceed = ok
}

// SetToken sets the bearer token issued with successful handshakes.
func (n *Node) SetToken(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokenToIssue = token
}

// SetBalances sets the table returned for balance requests and used by
// PushBalanceUpdate.
func (n *Node) SetBalances(rows ...wire.LedgerBalance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances = rows
}

// SetTransferAutoAck controls whether transfer frames are acknowledged
// immediately. Disable it to hold a transfer in flight, then settle it
// with AckTransfer.
func (n *Node) SetTransferAutoAck(auto bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferAutoAck = auto
}

// SetTransferResult sets the verdict auto-acks carry.
func (n *Node) SetTransferResult(ok bool, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferOK = ok
	n.transferErr = errMsg
}

// MuteSwapResponses makes the node swallow swap requests unanswered.
func (n *Node) MuteSwapResponses() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swapRespond = false
}

// SetSwapResult sets the verdict swap responses carry.
func (n *Node) SetSwapResult(ok bool, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swapOK = ok
	n.swapErr = errMsg
}

// SetSwapDelay delays swap responses by d.
func (n *Node) SetSwapDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swapDelay = d
}

// Frames returns every frame received so far.
func (n *Node) Frames() []*wire.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*wire.Frame(nil), n.frames...)
}

// FramesByMethod filters received frames by method.
func (n *Node) FramesByMethod(method string) []*wire.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*wire.Frame
	for _, f := range n.frames {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

// AppMessages returns the decoded app messages of the given type.
func (n *Node) AppMessages(msgType string) []*wire.AppMessage {
	var out []*wire.AppMessage
	for _, f := range n.FramesByMethod(wire.MethodAppMessage) {
		var msg wire.AppMessage
		if err := f.DecodeParams(&msg); err == nil && msg.Type == msgType {
			out = append(out, &msg)
		}
	}
	return out
}

// Handshakes returns the authentication attempts seen so far.
func (n *Node) Handshakes() []Handshake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Handshake(nil), n.handshakes...)
}

// PushBalanceUpdate pushes the configured balance table unprompted.
func (n *Node) PushBalanceUpdate() {
	n.mu.Lock()
	rows := n.balances
	n.mu.Unlock()
	n.push(wire.MethodBalanceUpdate, wire.BalancesParams{LedgerBalances: rows})
}

// PushChannelUpdate pushes a channel state notification.
func (n *Node) PushChannelUpdate(p wire.ChannelUpdateParams) {
	n.push(wire.MethodChannelUpdate, p)
}

// PushError pushes a protocol error frame.
func (n *Node) PushError(message string) {
	n.push(wire.MethodError, wire.ErrorParams{Error: message})
}

// PushPing pings the client.
func (n *Node) PushPing() {
	n.push(wire.MethodPing, nil)
}

// PushAppMessage pushes an application message.
func (n *Node) PushAppMessage(msgType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.t.Errorf("nodetest: marshal %s payload: %v", msgType, err)
		return
	}
	n.push(wire.MethodAppMessage, wire.AppMessage{Type: msgType, Payload: raw})
}

// AckTransfer settles the pending transfer with the given verdict.
func (n *Node) AckTransfer(ok bool, errMsg string) {
	n.push(wire.MethodTransfer, wire.TransferAckParams{Success: ok, Error: errMsg})
}

func (n *Node) push(method string, params interface{}) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		n.t.Errorf("nodetest: push %s with no connection", method)
		return
	}
	f, err := wire.NewFrame(id, method, params, time.Now().UnixMilli())
	if err != nil {
		n.t.Errorf("nodetest: build %s frame: %v", method, err)
		return
	}
	n.write(conn, f)
}

func (n *Node) write(conn *websocket.Conn, f *wire.Frame) {
	n.wmu.Lock()
	defer n.wmu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		n.t.Logf("nodetest: write %s: %v", f.Method, err)
	}
}

// reply echoes the request id, as direct responses do.
func (n *Node) reply(conn *websocket.Conn, req *wire.Frame, method string, params interface{}) {
	f, err := wire.NewFrame(req.ID, method, params, time.Now().UnixMilli())
	if err != nil {
		n.t.Errorf("nodetest: build %s reply: %v", method, err)
		return
	}
	n.write(conn, f)
}

func (n *Node) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.t.Errorf("nodetest: upgrade: %v", err)
		return
	}

	n.mu.Lock()
	n.conn = conn
	n.pending = nil
	n.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			n.t.Logf("nodetest: bad frame: %v", err)
			continue
		}

		n.mu.Lock()
		n.frames = append(n.frames, f)
		n.mu.Unlock()

		n.handleFrame(conn, f)
	}
}

func (n *Node) handleFrame(conn *websocket.Conn, f *wire.Frame) {
	switch f.Method {
	case wire.MethodAuthRequest:
		n.handleAuthRequest(conn, f)
	case wire.MethodAuthVerify:
		n.handleAuthVerify(conn, f)
	case wire.MethodGetLedgerBalances:
		n.mu.Lock()
		rows := n.balances
		n.mu.Unlock()
		n.reply(conn, f, wire.MethodGetLedgerBalances, wire.BalancesParams{LedgerBalances: rows})
	case wire.MethodTransfer:
		n.mu.Lock()
		auto, ok, errMsg := n.transferAutoAck, n.transferOK, n.transferErr
		n.mu.Unlock()
		if auto {
			n.reply(conn, f, wire.MethodTransfer, wire.TransferAckParams{Success: ok, Error: errMsg})
		}
	case wire.MethodAppMessage:
		n.handleAppMessage(conn, f)
	case wire.MethodPing:
		n.reply(conn, f, wire.MethodPong, nil)
	case wire.MethodPong:
	default:
		n.t.Logf("nodetest: unhandled method %q", f.Method)
	}
}

func (n *Node) handleAuthRequest(conn *websocket.Conn, f *wire.Frame) {
	var p wire.AuthRequestParams
	if err := f.DecodeParams(&p); err != nil {
		n.reply(conn, f, wire.MethodError, wire.ErrorParams{Error: "malformed auth request"})
		return
	}

	signer, err := recoverFrameSigner(f)
	if err != nil || signer != common.HexToAddress(p.SessionKey) {
		n.recordHandshake(p, false)
		n.reply(conn, f, wire.MethodError, wire.ErrorParams{Error: "invalid session signature"})
		return
	}

	challenge := uuid.NewString()
	n.mu.Lock()
	n.pending = &pendingAuth{params: p, challenge: challenge}
	n.mu.Unlock()

	n.reply(conn, f, wire.MethodAuthChallenge, wire.AuthChallengeParams{ChallengeMessage: challenge})
}

func (n *Node) handleAuthVerify(conn *websocket.Conn, f *wire.Frame) {
	n.mu.Lock()
	pending := n.pending
	succeed := n.authSucceed
	token := n.tokenToIssue
	n.mu.Unlock()

	if pending == nil {
		n.reply(conn, f, wire.MethodError, wire.ErrorParams{Error: "no handshake in progress"})
		return
	}

	var p wire.AuthVerifyParams
	if err := f.DecodeParams(&p); err != nil || p.Challenge != pending.challenge {
		n.recordHandshake(pending.params, false)
		n.reply(conn, f, wire.MethodError, wire.ErrorParams{Error: "challenge mismatch"})
		return
	}

	verified := false
	if len(f.Sig) > 0 {
		typed := policyTypedData(pending.params, pending.challenge)
		if digest, _, err := apitypes.TypedDataAndHash(typed); err == nil {
			if signer, err := recoverAddress(digest, f.Sig[0]); err == nil {
				verified = signer == common.HexToAddress(pending.params.Address)
			}
		}
	}
	n.recordHandshake(pending.params, verified)

	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()

	result := wire.AuthResultParams{
		Address:    pending.params.Address,
		SessionKey: pending.params.SessionKey,
		Success:    verified && succeed,
	}
	if result.Success {
		result.Token = token
	}
	n.reply(conn, f, wire.MethodAuthVerify, result)
}

func (n *Node) handleAppMessage(conn *websocket.Conn, f *wire.Frame) {
	var msg wire.AppMessage
	if err := f.DecodeParams(&msg); err != nil {
		n.t.Logf("nodetest: bad app message: %v", err)
		return
	}
	if msg.Type != "swap_request" {
		return
	}

	var req struct {
		SwapID string `json:"swap_id"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SwapID == "" {
		n.t.Logf("nodetest: swap request without swap id")
		return
	}

	n.mu.Lock()
	respond, ok, errMsg, delay := n.swapRespond, n.swapOK, n.swapErr, n.swapDelay
	n.mu.Unlock()
	if !respond {
		return
	}

	send := func() {
		n.PushAppMessage("swap_response", map[string]interface{}{
			"swap_id": req.SwapID,
			"success": ok,
			"error":   errMsg,
		})
	}
	if delay > 0 {
		time.AfterFunc(delay, send)
	} else {
		send()
	}
}

func (n *Node) recordHandshake(p wire.AuthRequestParams, verified bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handshakes = append(n.handshakes, Handshake{
		Wallet:     common.HexToAddress(p.Address),
		SessionKey: common.HexToAddress(p.SessionKey),
		Verified:   verified,
		TokenUsed:  p.Token,
	})
}

// recoverFrameSigner recovers the address that signed the frame's
// canonical payload.
func recoverFrameSigner(f *wire.Frame) (common.Address, error) {
	if len(f.Sig) == 0 {
		return common.Address{}, fmt.Errorf("frame has no signature")
	}
	digest, err := f.Digest()
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, f.Sig[0])
}

func recoverAddress(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, cp)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// policyTypedData rebuilds the session policy a wallet signs, from the
// auth request as received. It must stay byte-compatible with the
// client's construction or verification fails.
func policyTypedData(p wire.AuthRequestParams, challenge string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
			},
			"Policy": []apitypes.Type{
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "application", Type: "string"},
				{Name: "participant", Type: "address"},
				{Name: "expire", Type: "uint256"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": []apitypes.Type{
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: p.AppName,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       p.Scope,
			"wallet":      p.Address,
			"application": p.AppName,
			"participant": p.SessionKey,
			"expire":      p.Expire,
			"allowances":  allowances,
		},
	}
}
