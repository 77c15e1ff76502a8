// Package credential implements the Catalog's Credential storage and
// the Keychain's bearer-assertion minting: secrets at rest are always
// encrypted, and nothing above this package ever sees plaintext outside
// of a resolve call.
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
)

// ErrNotFound is returned when a credential name has no registered row.
var ErrNotFound = errors.New("credential: not found")

// Payload is the plaintext shape encrypted into Credential.PayloadSecret.
// Its fields are deliberately generic (Catalog actions interpret them
// according to Kind) rather than typed per CredentialKind.
type Payload map[string]any

// Store persists and resolves Credentials. Put always (re-)encrypts;
// Resolve is the only call that returns plaintext.
type Store interface {
	Put(dbc dbctx.Context, name string, kind domain.CredentialKind, payload Payload) error
	Resolve(dbc dbctx.Context, name string) (domain.CredentialKind, Payload, error)
	Describe(dbc dbctx.Context, name string) (domain.CredentialKind, error)
	List(dbc dbctx.Context) ([]string, error)
}

type store struct {
	db   *gorm.DB
	aead cipher.AEAD
}

// NewStore builds a Store whose at-rest encryption key is key, which
// must be exactly chacha20poly1305.KeySize (32) bytes — callers derive
// it from a deployment secret, never from a per-credential value.
func NewStore(db *gorm.DB, key []byte) (Store, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	return &store{db: db, aead: aead}, nil
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credential: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *store) decrypt(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("credential: sealed payload too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func (s *store) Put(dbc dbctx.Context, name string, kind domain.CredentialKind, payload Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("credential: marshal payload: %w", err)
	}
	sealed, err := s.encrypt(raw)
	if err != nil {
		return err
	}
	row := domain.Credential{Name: name, Kind: kind, PayloadSecret: sealed}
	return s.tx(dbc).WithContext(dbc.Ctx).
		Save(&row).Error
}

func (s *store) Resolve(dbc dbctx.Context, name string) (domain.CredentialKind, Payload, error) {
	var row domain.Credential
	if err := s.tx(dbc).WithContext(dbc.Ctx).Where("name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	raw, err := s.decrypt(row.PayloadSecret)
	if err != nil {
		return "", nil, fmt.Errorf("credential: decrypt %s: %w", name, err)
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", nil, fmt.Errorf("credential: unmarshal %s: %w", name, err)
	}
	return row.Kind, payload, nil
}

func (s *store) Describe(dbc dbctx.Context, name string) (domain.CredentialKind, error) {
	var row domain.Credential
	if err := s.tx(dbc).WithContext(dbc.Ctx).Select("name", "kind").Where("name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return row.Kind, nil
}

func (s *store) List(dbc dbctx.Context) ([]string, error) {
	var names []string
	if err := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Credential{}).Order("name ASC").Pluck("name", &names).Error; err != nil {
		return nil, err
	}
	return names, nil
}
