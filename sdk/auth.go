package sdk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

// authAttempt tracks one in-flight handshake. The expire and allowance
// strings are captured at step one and reused verbatim for the challenge
// signature, so the signed policy matches the request byte-for-byte.
type authAttempt struct {
	account    common.Address
	sessionKey common.Address
	expire     string
	allowances []wire.Allowance
	requestID  uint64
	challenge  string
}

// Authenticate registers the wallet signer and account, then starts the
// handshake if the connection is up. When not yet connected, the
// handshake starts automatically on the next successful connect.
//
// account may be zero to use the signer's own address.
func (c *Client) Authenticate(signer Signer, account common.Address) error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		return nil, c.authenticate(signer, account)
	})
	return err
}

func (c *Client) authenticate(signer Signer, account common.Address) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Authenticate", r)
			err = fmt.Errorf("authenticate: %v", r)
		}
	}()

	if signer == nil {
		return ErrNoSigner
	}
	if account == (common.Address{}) {
		account = signer.Address()
	}

	c.mu.Lock()
	c.signer = signer
	c.account = account
	c.mu.Unlock()

	if err := c.ensureSessionKey(); err != nil {
		return err
	}
	c.maybeAuthenticate()
	return nil
}

// Logout clears the session: stored credentials, auth state, balances,
// channel records, transfer and swap tracking. A fresh session key is
// generated so the old delegation can never be replayed. The connection
// itself stays up.
func (c *Client) Logout() error {
	_, err := c.dispatch.call(func() (interface{}, error) {
		return nil, c.logout()
	})
	return err
}

func (c *Client) logout() (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic("Logout", r)
			err = fmt.Errorf("logout: %v", r)
		}
	}()

	c.mu.Lock()
	store := c.store
	c.attempt = nil
	c.balances = make(map[string]string)
	c.channels = make(map[string]*ChannelInfo)
	c.transferInFlight = false
	c.pendingTransfer = nil
	c.swap = nil
	for id := range c.swapWaiters {
		delete(c.swapWaiters, id)
	}
	c.mu.Unlock()

	if err := store.Clear(); err != nil {
		c.log.Warningf("credential clear failed: %v", err)
	}
	c.regenerateSessionKey()

	c.setAuthenticated(false)
	c.emitBalances(map[string]string{})
	c.emitChannels([]ChannelInfo{})
	c.log.Infof("logged out")
	return nil
}

// ensureSessionKey loads the stored session key or generates and
// persists a fresh one.
func (c *Client) ensureSessionKey() error {
	c.mu.Lock()
	key := c.sessionKey
	store := c.store
	c.mu.Unlock()
	if key != nil {
		return nil
	}

	stored, err := store.SessionKey()
	if err != nil {
		return fmt.Errorf("load session key: %w", err)
	}
	if stored != "" {
		if key, err = ParseSessionKey(stored); err != nil {
			c.log.Warningf("stored session key unusable, generating a new one: %v", err)
			key = nil
		}
	}
	if key == nil {
		if key, err = GenerateSessionKey(); err != nil {
			return fmt.Errorf("generate session key: %w", err)
		}
		if err := store.SetSessionKey(key.hex()); err != nil {
			c.log.Warningf("session key not persisted: %v", err)
		}
	}

	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
	return nil
}

// regenerateSessionKey discards the current session key for a fresh one.
// On generation failure the client is left keyless; the next handshake
// attempt regenerates through ensureSessionKey.
func (c *Client) regenerateSessionKey() {
	c.mu.Lock()
	c.sessionKey = nil
	store := c.store
	c.mu.Unlock()

	key, err := GenerateSessionKey()
	if err != nil {
		c.log.Errorf("session key regeneration failed: %v", err)
		return
	}
	if err := store.SetSessionKey(key.hex()); err != nil {
		c.log.Warningf("session key not persisted: %v", err)
	}

	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
}

// maybeAuthenticate starts the handshake when every precondition holds:
// connected, signer and account registered, session key present, not
// authenticated, no attempt in flight. Called from each event that can
// complete the set.
func (c *Client) maybeAuthenticate() {
	c.mu.Lock()
	ready := c.status == StatusConnected &&
		!c.authenticated &&
		c.attempt == nil &&
		c.signer != nil &&
		c.account != (common.Address{}) &&
		c.sessionKey != nil
	c.mu.Unlock()

	if ready {
		c.startAuthAttempt()
	}
}

// startAuthAttempt sends step one of the handshake.
func (c *Client) startAuthAttempt() {
	c.mu.Lock()
	account := c.account
	sessionAddr := c.sessionKey.Address
	store := c.store
	c.mu.Unlock()

	now := c.now()
	att := &authAttempt{
		account:    account,
		sessionKey: sessionAddr,
		expire:     strconv.FormatInt(now.Unix()+int64(c.cfg.SessionDuration), 10),
		allowances: c.cfg.Allowances,
	}
	if att.allowances == nil {
		// Explicit empty list on the wire rather than a JSON null.
		att.allowances = []wire.Allowance{}
	}

	params := wire.AuthRequestParams{
		Address:    account.Hex(),
		SessionKey: sessionAddr.Hex(),
		AppName:    c.cfg.AppName,
		Scope:      c.cfg.Scope,
		Expire:     att.expire,
		Allowances: att.allowances,
	}

	// Offer a still-fresh stored token for fast re-authentication. The
	// node decides whether to honor it.
	if token, err := store.Token(); err == nil && token != "" {
		if soon, _ := isTokenExpiringSoon(token, tokenReuseWindow, now); !soon {
			params.Token = token
		}
	}

	f, err := c.signedFrame(wire.MethodAuthRequest, params)
	if err == nil {
		att.requestID = f.ID
		err = c.send(f)
	}
	if err != nil {
		c.log.Errorf("auth request failed: %v", err)
		c.emitError(fmt.Sprintf("authentication failed: %v", err))
		return
	}

	c.mu.Lock()
	c.attempt = att
	c.mu.Unlock()
	c.log.Infof("auth requested for %s (session %s)", account.Hex(), sessionAddr.Hex())
}

// handleAuthChallenge reacts to step two, the node's challenge. Signing
// may take minutes with an interactive wallet, so it runs on its own
// goroutine while the dispatcher keeps handling frames.
func (c *Client) handleAuthChallenge(f *wire.Frame) {
	c.mu.Lock()
	att := c.attempt
	signer := c.signer
	c.mu.Unlock()

	if att == nil || att.challenge != "" {
		c.log.Warningf("unexpected auth challenge (id=%d)", f.ID)
		return
	}

	var p wire.AuthChallengeParams
	if err := f.DecodeParams(&p); err != nil {
		c.failAuth(att, fmt.Sprintf("malformed auth challenge: %v", err))
		return
	}

	att.challenge = p.ChallengeMessage
	typed := authPolicyTypedData(c.cfg.AppName, c.cfg.Scope, att)

	go func() {
		sig, err := signer.SignTypedData(context.Background(), typed)
		_ = c.dispatch.do(func() {
			c.finishChallenge(att, sig, err)
		})
	}()
}

// finishChallenge resumes the handshake with the wallet's signature. The
// attempt pointer identifies the handshake generation; a signature from
// before a disconnect or reset is dropped.
func (c *Client) finishChallenge(att *authAttempt, sig []byte, signErr error) {
	c.mu.Lock()
	stale := c.attempt != att
	c.mu.Unlock()
	if stale {
		c.log.Infof("discarding signature for a superseded auth attempt")
		return
	}

	if signErr != nil {
		c.failAuth(att, fmt.Sprintf("signature rejected: %v", signErr))
		return
	}

	f, err := c.nextFrame(wire.MethodAuthVerify, wire.AuthVerifyParams{Challenge: att.challenge})
	if err == nil {
		// The verify frame carries the wallet signature, not a session one.
		f.Sig = []string{hexutil.Encode(sig)}
		err = c.send(f)
	}
	if err != nil {
		c.failAuth(att, fmt.Sprintf("auth verify failed: %v", err))
	}
}

// handleAuthResult finishes the handshake.
func (c *Client) handleAuthResult(f *wire.Frame) {
	c.mu.Lock()
	att := c.attempt
	store := c.store
	c.mu.Unlock()
	if att == nil {
		c.log.Warningf("unexpected auth result (id=%d)", f.ID)
		return
	}

	var p wire.AuthResultParams
	if err := f.DecodeParams(&p); err != nil {
		c.failAuth(att, fmt.Sprintf("malformed auth result: %v", err))
		return
	}
	if !p.Success {
		c.failAuth(att, "authentication failed")
		return
	}

	c.mu.Lock()
	c.attempt = nil
	c.mu.Unlock()

	if p.Token != "" {
		if err := store.SetToken(p.Token); err != nil {
			c.log.Warningf("bearer token not persisted: %v", err)
		}
	}

	c.setAuthenticated(true)
	c.log.Infof("authenticated as %s", att.account.Hex())
	c.requestBalances()
}

// handleErrorFrame applies the node error policy: a pending transfer
// absorbs the error as its failure; any other error is treated as an
// authentication fault and session state is reset.
func (c *Client) handleErrorFrame(f *wire.Frame) {
	var p wire.ErrorParams
	if err := f.DecodeParams(&p); err != nil {
		c.log.Warningf("malformed error frame: %v", err)
		return
	}
	message := p.Error
	if message == "" {
		message = "unknown node error"
	}

	c.mu.Lock()
	inFlight := c.transferInFlight
	c.mu.Unlock()
	if inFlight {
		c.finishTransfer(false, message)
		return
	}

	c.resetAuth(fmt.Sprintf("node error: %s", message))
}

// failAuth applies resetAuth if att is still the current attempt.
func (c *Client) failAuth(att *authAttempt, message string) {
	c.mu.Lock()
	stale := c.attempt != att
	c.mu.Unlock()
	if stale {
		return
	}
	c.resetAuth(message)
}

// resetAuth clears authentication outright: stored credentials are
// wiped and the session key regenerated, since a stale credential is
// the usual cause. Balances and channel records are kept.
func (c *Client) resetAuth(message string) {
	c.mu.Lock()
	c.attempt = nil
	store := c.store
	c.mu.Unlock()

	if err := store.Clear(); err != nil {
		c.log.Warningf("credential clear failed: %v", err)
	}
	c.regenerateSessionKey()
	c.setAuthenticated(false)
	c.log.Warningf("auth reset: %s", message)
	c.emitError(message)
}

// abortAuthAttempt drops an in-flight handshake without touching stored
// credentials. The next connect retries from scratch.
func (c *Client) abortAuthAttempt() {
	c.mu.Lock()
	aborted := c.attempt != nil
	c.attempt = nil
	c.mu.Unlock()
	if aborted {
		c.log.Infof("auth attempt aborted")
	}
}

// authPolicyTypedData builds the EIP-712 session policy the wallet
// signs. The node reconstructs this structure from the auth request to
// recover the wallet address, so every field must match what was sent,
// including the verbatim expire and allowance amount strings.
func authPolicyTypedData(appName, scope string, att *authAttempt) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(att.allowances))
	for _, a := range att.allowances {
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
			Name: appName,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   att.challenge,
			"scope":       scope,
			"wallet":      att.account.Hex(),
			"application": appName,
			"participant": att.sessionKey.Hex(),
			"expire":      att.expire,
			"allowances":  allowances,
		},
	}
}
