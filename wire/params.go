package wire

import "encoding/json"

// Allowance grants the session key spending power over one asset for the
// lifetime of the session. Amounts are decimal strings.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// LedgerBalance is one row of the node's authoritative balance table.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthRequestParams is step 1 of the handshake. Expire is a unix-seconds
// decimal string; the same string is later bound into the challenge
// signature, so it must be carried verbatim and never re-rendered.
type AuthRequestParams struct {
	// Address is the wallet address being authenticated.
	Address string `json:"address"`
	// SessionKey is the ephemeral session key's address.
	SessionKey string `json:"session_key"`
	// AppName is the application identifier (also the EIP-712 domain name).
	AppName string `json:"app_name"`
	// Scope is the requested authentication scope.
	Scope string `json:"scope"`
	// Expire is the session expiry, unix seconds, as a decimal string.
	Expire string `json:"expire"`
	// Allowances lists the session spending grants.
	Allowances []Allowance `json:"allowances"`
	// Token optionally carries a previously issued bearer token as a
	// fast re-auth hint. Nodes may ignore it.
	Token string `json:"token,omitempty"`
}

// AuthChallengeParams is the node's step-1 reply.
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams is step 2: it references the challenge and the frame's
// sig slot carries the wallet's structured-data signature.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthResultParams is the node's verdict on auth_verify.
type AuthResultParams struct {
	Address    string `json:"address,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Success    bool   `json:"success"`
	// Token is an optional bearer token issued on success.
	Token string `json:"jwt_token,omitempty"`
}

// GetLedgerBalancesParams requests the balance table for a participant.
type GetLedgerBalancesParams struct {
	Participant string `json:"participant"`
}

// BalancesParams carries an authoritative balance snapshot. Both the
// get_ledger_balances reply and balance_update pushes use this shape, and
// both replace the client table wholesale.
type BalancesParams struct {
	LedgerBalances []LedgerBalance `json:"ledger_balances"`
}

// TransferParams asks the node to move funds off-chain to another account.
type TransferParams struct {
	Destination string          `json:"destination"`
	Allocations []LedgerBalance `json:"allocations"`
}

// TransferAckParams is the node's authoritative transfer outcome.
type TransferAckParams struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ChannelUpdateParams is a node push describing one custody channel.
type ChannelUpdateParams struct {
	ChannelID   string `json:"channel_id"`
	Participant string `json:"participant"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
}

// ErrorParams is a node-reported protocol error.
type ErrorParams struct {
	Error string `json:"error"`
}

// AppMessage is the free-form application envelope carried inside app_message
// frames. Payload shapes are owned by the application layer; the envelope
// only fixes {type, payload, signature}.
type AppMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}
