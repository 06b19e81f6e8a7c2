// Package crypto implements passphrase sealing for credentials at rest using
// scrypt key derivation and NaCl SecretBox (XSalsa20-Poly1305).
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Sealed blob format: [version (1)][salt (16)][nonce (24)][ciphertext + tag].
const (
	sealVersion = 0x01
	saltSize    = 16
	nonceSize   = 24

	// Interactive-use scrypt parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Seal encrypts data under a passphrase-derived key.
func Seal(data, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, data, &nonce, key)

	result := make([]byte, 0, 1+saltSize+nonceSize+len(sealed))
	result = append(result, sealVersion)
	result = append(result, salt...)
	result = append(result, nonce[:]...)
	result = append(result, sealed...)
	return result, nil
}

// Open decrypts a blob produced by Seal. A wrong passphrase fails the
// SecretBox authenticator and is indistinguishable from corruption.
func Open(blob, passphrase []byte) ([]byte, error) {
	if len(blob) < 1+saltSize+nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed data too short")
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("unsupported sealed data version: %d", blob[0])
	}

	salt := blob[1 : 1+saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], blob[1+saltSize:1+saltSize+nonceSize])

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	opened, ok := secretbox.Open(nil, blob[1+saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return opened, nil
}

func deriveKey(passphrase, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
