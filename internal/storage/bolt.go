package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gryffindors-team/yellow-sdk/internal/crypto"
)

var (
	bucketCredentials = []byte("credentials")
	keySessionKey     = []byte("session_key")
	keyBearerToken    = []byte("bearer_token")
)

// BoltStore persists credentials in a bbolt database. When constructed with a
// passphrase, the session key is sealed at rest; the bearer token is stored
// as issued since it is short-lived and revocable server-side.
type BoltStore struct {
	db         *bbolt.DB
	passphrase []byte
}

// NewBoltStore opens (or creates) the credential database at path. A nil or
// empty passphrase stores the session key unsealed.
func NewBoltStore(path string, passphrase []byte) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credential bucket: %w", err)
	}
	return &BoltStore{db: db, passphrase: passphrase}, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SessionKey returns the stored session key hex, or "" when absent.
func (s *BoltStore) SessionKey() (string, error) {
	raw, err := s.get(keySessionKey)
	if err != nil || raw == nil {
		return "", err
	}
	if len(s.passphrase) > 0 {
		opened, err := crypto.Open(raw, s.passphrase)
		if err != nil {
			return "", fmt.Errorf("unseal session key: %w", err)
		}
		return string(opened), nil
	}
	return string(raw), nil
}

// SetSessionKey stores the session key hex, sealing it when a passphrase is
// configured.
func (s *BoltStore) SetSessionKey(hexKey string) error {
	value := []byte(hexKey)
	if len(s.passphrase) > 0 {
		sealed, err := crypto.Seal(value, s.passphrase)
		if err != nil {
			return fmt.Errorf("seal session key: %w", err)
		}
		value = sealed
	}
	return s.put(keySessionKey, value)
}

// Token returns the stored bearer token, or "" when absent.
func (s *BoltStore) Token() (string, error) {
	raw, err := s.get(keyBearerToken)
	if err != nil || raw == nil {
		return "", err
	}
	return string(raw), nil
}

// SetToken stores the bearer token.
func (s *BoltStore) SetToken(token string) error {
	return s.put(keyBearerToken, []byte(token))
}

// Clear removes both credentials.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if err := b.Delete(keySessionKey); err != nil {
			return err
		}
		return b.Delete(keyBearerToken)
	})
}

func (s *BoltStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	return out, nil
}

func (s *BoltStore) put(key, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}
