package settings

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// DefaultKeyringService is the keyring service name device keys are kept under.
const DefaultKeyringService = "tunnelctl"

// ErrKeyNotFound is returned when no private key is stored for a device.
var ErrKeyNotFound = errors.New("device key not found")

// Keys gives access to device private keys.
type Keys interface {
	PrivateKey(deviceID string) (wgkey.PrivateKey, error)
	StorePrivateKey(deviceID string, key wgkey.PrivateKey) error
	DeletePrivateKey(deviceID string) error
}

// KeyStore keeps device private keys in the system keyring.
type KeyStore struct {
	service string
}

// NewKeyStore returns a keyring backed store using service as the keyring
// service name.
func NewKeyStore(service string) *KeyStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyStore{service: service}
}

// PrivateKey returns the stored key for deviceID.
func (k *KeyStore) PrivateKey(deviceID string) (wgkey.PrivateKey, error) {
	if deviceID == "" {
		return wgkey.PrivateKey{}, errors.New("device ID cannot be empty")
	}
	secret, err := keyring.Get(k.service, deviceID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return wgkey.PrivateKey{}, ErrKeyNotFound
		}
		return wgkey.PrivateKey{}, fmt.Errorf("keyring get: %w", err)
	}
	key, err := wgkey.ParsePrivateKey(secret)
	if err != nil {
		return wgkey.PrivateKey{}, fmt.Errorf("stored key for device %s: %w", deviceID, err)
	}
	return key, nil
}

// StorePrivateKey saves key for deviceID, replacing any previous key.
func (k *KeyStore) StorePrivateKey(deviceID string, key wgkey.PrivateKey) error {
	if deviceID == "" {
		return errors.New("device ID cannot be empty")
	}
	if err := keyring.Set(k.service, deviceID, key.Base64()); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// DeletePrivateKey removes the key for deviceID. A missing key is not an error.
func (k *KeyStore) DeletePrivateKey(deviceID string) error {
	if err := keyring.Delete(k.service, deviceID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}
