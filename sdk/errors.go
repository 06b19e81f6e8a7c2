package sdk

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live node
	// connection before one has been established.
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned by operations that require a
	// completed authentication handshake.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTransferInFlight rejects a transfer while a previous one is
	// still awaiting its acknowledgement from the node.
	ErrTransferInFlight = errors.New("transfer already in progress")

	// ErrNoSigner is returned when an operation needs a wallet signer
	// and none has been provided.
	ErrNoSigner = errors.New("no signer configured")

	// ErrNoContractClient is returned by on-chain operations when no
	// contract client has been wired in.
	ErrNoContractClient = errors.New("no contract client configured")

	// ErrNoChannel is returned by withdrawals against a token that has
	// no open channel record.
	ErrNoChannel = errors.New("no open channel for token")

	// ErrSwapSessionInvalid is returned when a swap step references a
	// session that is not the tracked one or has expired.
	ErrSwapSessionInvalid = errors.New("invalid or expired session")

	// ErrSwapTimeout is returned when the node does not answer a swap
	// request within the configured window.
	ErrSwapTimeout = errors.New("swap response timeout")

	// ErrUserRejected is the sentinel a ContractClient implementation
	// wraps when the user declines a signature prompt. The channel
	// facade translates it into the step-specific rejection kinds.
	ErrUserRejected = errors.New("user rejected request")
)

// ChannelErrorKind classifies channel operation failures so callers can
// distinguish a user declining a prompt from an actual contract fault.
type ChannelErrorKind int

const (
	// ChannelErrContract covers everything that is not a user
	// rejection: reverts, RPC failures, encoding errors.
	ChannelErrContract ChannelErrorKind = iota

	// ChannelErrApprovalRejected means the user declined the token
	// allowance approval.
	ChannelErrApprovalRejected

	// ChannelErrTransactionRejected means the user declined the
	// deposit or withdraw transaction itself.
	ChannelErrTransactionRejected
)

// ChannelOpError wraps a failure from a channel operation together with
// its classification.
type ChannelOpError struct {
	Kind ChannelErrorKind
	Err  error
}

// Error implements the error interface with a user-facing message per
// kind.
func (e *ChannelOpError) Error() string {
	switch e.Kind {
	case ChannelErrApprovalRejected:
		return "approval rejected by user"
	case ChannelErrTransactionRejected:
		return "transaction rejected by user"
	default:
		return fmt.Sprintf("contract error: %v", e.Err)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ChannelOpError) Unwrap() error {
	return e.Err
}

func newChannelOpError(kind ChannelErrorKind, err error) *ChannelOpError {
	return &ChannelOpError{Kind: kind, Err: err}
}

// classifyChannelErr maps a raw contract client error to a
// ChannelOpError, using rejectedKind when the cause is the user
// declining a prompt.
func classifyChannelErr(err error, rejectedKind ChannelErrorKind) *ChannelOpError {
	if errors.Is(err, ErrUserRejected) {
		return newChannelOpError(rejectedKind, err)
	}
	return newChannelOpError(ChannelErrContract, err)
}
