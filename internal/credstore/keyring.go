package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name used by the CLI.
const DefaultKeyringService = "carelink"

// KeyringStore keeps the credential JSON in the OS keyring under
// service/account. Keyring writes replace the whole secret at once.
type KeyringStore struct {
	service string
	account string
}

// NewKeyringStore returns a store for service/account. An empty service
// means DefaultKeyringService.
func NewKeyringStore(service, account string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service, account: account}
}

func (s *KeyringStore) Load(_ context.Context) (*carelink.Credential, error) {
	secret, err := keyring.Get(s.service, s.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, carelink.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: keyring read failed: %w", err)
	}
	return decode([]byte(secret))
}

func (s *KeyringStore) Save(_ context.Context, cred *carelink.Credential) error {
	data, err := encode(cred)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.service, s.account, string(data)); err != nil {
		return fmt.Errorf("credstore: keyring write failed: %w", err)
	}
	return nil
}

// Delete removes the stored credential. Deleting a missing entry is not an
// error.
func (s *KeyringStore) Delete(_ context.Context) error {
	err := keyring.Delete(s.service, s.account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("credstore: keyring delete failed: %w", err)
	}
	return nil
}
