package identity

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"github.com/denisbrodbeck/machineid"

	"cyphertextkit/ctkerr"
)

// appName scopes the OS keychain entry and the machine-id protection
// namespace so this kit's secrets never collide with another app's.
const appName = "cyphertextkit"

// FastUnlockCache caches the derived blob key in the OS keychain (or a
// file-backed fallback) after the first successful password unlock, so
// later process starts on the same machine can skip re-deriving via
// HKDF/SHA-512. It is purely a latency optimization: its absence always
// falls back to the password path, and it is cleared on explicit lock or
// password change.
type FastUnlockCache struct {
	ring keyring.Keyring
}

// OpenFastUnlockCache opens the OS keychain (Keychain/Secret Service/
// WinCred/KWallet) with a file-backed fallback, matching the teacher's
// keystore.New/NewKeychainService split but collapsed into one opener
// that always has a usable backend.
func OpenFastUnlockCache(stateDir string) (*FastUnlockCache, error) {
	const op = "identity.OpenFastUnlockCache"
	expanded := os.ExpandEnv(stateDir)
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("create keychain state dir: %w", err))
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:             appName,
		KeychainName:            appName,
		KWalletAppID:            appName,
		KWalletFolder:           appName,
		WinCredPrefix:           appName,
		LibSecretCollectionName: appName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
		FileDir: expanded,
		FilePasswordFunc: func(string) (string, error) {
			return machineid.ProtectedID(appName)
		},
	})
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("open keyring: %w", err))
	}
	return &FastUnlockCache{ring: ring}, nil
}

func cacheKey(deviceID string) string { return "blobkey:" + deviceID }

// Store caches the derived blob key for deviceID.
func (c *FastUnlockCache) Store(deviceID string, blobKey []byte) error {
	err := c.ring.Set(keyring.Item{
		Key:         cacheKey(deviceID),
		Data:        blobKey,
		Label:       "cyphertextkit device-config key",
		Description: "cached derived key for the local device-config blob",
	})
	if err != nil {
		return ctkerr.New("identity.FastUnlockCache.Store", ctkerr.ConfigCorrupt, err)
	}
	return nil
}

// Get returns the cached blob key for deviceID, if any. ok is false if
// nothing is cached (the caller should fall back to deriving from the
// password).
func (c *FastUnlockCache) Get(deviceID string) (blobKey []byte, ok bool) {
	item, err := c.ring.Get(cacheKey(deviceID))
	if err != nil {
		return nil, false
	}
	return item.Data, true
}

// Clear removes any cached key for deviceID, e.g. on explicit lock or
// password change.
func (c *FastUnlockCache) Clear(deviceID string) error {
	err := c.ring.Remove(cacheKey(deviceID))
	if err != nil && err != keyring.ErrKeyNotFound {
		return ctkerr.New("identity.FastUnlockCache.Clear", ctkerr.ConfigCorrupt, err)
	}
	return nil
}
