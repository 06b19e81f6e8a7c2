package sdk

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer authorizes sessions on behalf of a wallet. Implementations may
// be interactive; SignTypedData is always invoked off the client's
// dispatch goroutine so a slow wallet prompt never stalls frame
// handling.
type Signer interface {
	// Address returns the wallet address the signer controls.
	Address() common.Address

	// SignTypedData signs the EIP-712 payload and returns the 65-byte
	// signature with the recovery id in Ethereum's 27/28 form.
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// LocalSigner signs with an in-process private key. Bots and tests use
// it; interactive wallets implement Signer directly.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner wraps an ECDSA private key as a Signer.
func NewLocalSigner(key *ecdsa.PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, errors.New("nil private key")
	}
	return &LocalSigner{key: key}, nil
}

// LocalSignerFromHex parses a hex encoded private key, with or without
// the 0x prefix.
func LocalSignerFromHex(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalSigner{key: key}, nil
}

// Address implements Signer.
func (s *LocalSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignTypedData implements Signer.
func (s *LocalSigner) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Key exposes the underlying private key, e.g. for dialing a contract
// client with the same identity.
func (s *LocalSigner) Key() *ecdsa.PrivateKey {
	return s.key
}

// SessionKey is the per-device key that signs protocol frames once the
// wallet has delegated a session to it. The private half never leaves
// the process unencrypted except through hex() for sealed storage.
type SessionKey struct {
	Address common.Address

	key *ecdsa.PrivateKey
}

// GenerateSessionKey creates a fresh random session key.
func GenerateSessionKey() (*SessionKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &SessionKey{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// ParseSessionKey restores a session key from its hex encoding.
func ParseSessionKey(hexKey string) (*SessionKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse session key: %w", err)
	}
	return &SessionKey{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// hex returns the bare hex encoding of the private key for storage.
func (k *SessionKey) hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.key))
}

// sign produces an Ethereum style signature over digest, recovery id in
// 27/28 form, hex encoded for the wire.
func (k *SessionKey) sign(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
