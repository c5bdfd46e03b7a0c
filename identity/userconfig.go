package identity

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"cyphertextkit/ctkerr"
	"cyphertextkit/internal/wire"
)

// NormalizeUserIdentifier lowercases a user identifier so comparisons and
// hashing are case-insensitive and idempotent.
func NormalizeUserIdentifier(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

// DeviceConfig is one device entry in a UserConfig's signed device list.
type DeviceConfig struct {
	DeviceID        string
	SigningPublic   ed25519.PublicKey
	AgreementPublic []byte
	IsMaster        bool
}

func (d DeviceConfig) encode() []byte {
	w := wire.NewWriter().
		PutBytes('i', []byte(d.DeviceID)).
		PutBytes('s', d.SigningPublic).
		PutBytes('a', d.AgreementPublic).
		PutBool('m', d.IsMaster)
	return w.Bytes()
}

// UserConfig is the public, published record of a user's identity key and
// every device currently authorized to act on their behalf.
type UserConfig struct {
	UserID                string
	IdentityPublicSigning ed25519.PublicKey
	Devices               []DeviceConfig
	Signature             []byte
}

// signedBytes returns the deterministic byte sequence the master device
// signs and every verifier re-derives: user id, identity public key, and
// each device entry in list order.
func (c UserConfig) signedBytes() []byte {
	w := wire.NewWriter().
		PutBytes('u', []byte(NormalizeUserIdentifier(c.UserID))).
		PutBytes('k', c.IdentityPublicSigning)
	for _, d := range c.Devices {
		w.PutBytes('d', d.encode())
	}
	return w.Bytes()
}

// NewUserConfig builds and signs a UserConfig from its master device's
// signing key pair. devices must contain exactly one master entry and must
// be the full device list, including the master itself.
func NewUserConfig(userID string, identityPublic ed25519.PublicKey, devices []DeviceConfig, masterSigning SigningKeyPair) (UserConfig, error) {
	cfg := UserConfig{UserID: userID, IdentityPublicSigning: identityPublic, Devices: devices}
	if err := cfg.validateShape(); err != nil {
		return UserConfig{}, err
	}
	cfg.Signature = masterSigning.Sign(cfg.signedBytes())
	return cfg, nil
}

// WithAddedDevice appends a new DeviceConfig and re-signs the resulting
// list with the master signing key, per §4.4's "adding a device appends
// its DeviceConfig to the list and re-signs the list with the master
// signing key."
func (c UserConfig) WithAddedDevice(device DeviceConfig, masterSigning SigningKeyPair) (UserConfig, error) {
	next := UserConfig{
		UserID:                c.UserID,
		IdentityPublicSigning: c.IdentityPublicSigning,
		Devices:               append(append([]DeviceConfig(nil), c.Devices...), device),
	}
	if err := next.validateShape(); err != nil {
		return UserConfig{}, err
	}
	next.Signature = masterSigning.Sign(next.signedBytes())
	return next, nil
}

// validateShape enforces the invariants from §3: exactly one master,
// every device_id unique within the list.
func (c UserConfig) validateShape() error {
	const op = "identity.UserConfig"
	if len(c.Devices) == 0 {
		return ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("device list is empty"))
	}
	seen := make(map[string]bool, len(c.Devices))
	masters := 0
	for _, d := range c.Devices {
		if seen[d.DeviceID] {
			return ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("duplicate device id %q", d.DeviceID))
		}
		seen[d.DeviceID] = true
		if d.IsMaster {
			masters++
		}
	}
	if masters != 1 {
		return ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("user config has %d master devices, want exactly 1", masters))
	}
	return nil
}

// Verify checks the config's shape and its signature against its own
// advertised identity key. It does not check the signature against any
// previously observed identity key for the user — that identity-change
// comparison is the device store's responsibility (§4.3).
func (c UserConfig) Verify() error {
	const op = "identity.UserConfig.Verify"
	if err := c.validateShape(); err != nil {
		return err
	}
	if !Verify(c.IdentityPublicSigning, c.signedBytes(), c.Signature) {
		return ctkerr.New(op, ctkerr.CryptoInvalidSignature, fmt.Errorf("user config signature does not verify"))
	}
	return nil
}

// Master returns the list's single master device entry.
func (c UserConfig) Master() (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.IsMaster {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// Device looks up a device entry by id.
func (c UserConfig) Device(deviceID string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
