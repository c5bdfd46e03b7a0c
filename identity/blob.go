package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"cyphertextkit/ctkerr"
)

// saltSize matches the teacher's encryption.SaltSize convention.
const saltSize = 32

const blobHKDFInfo = "cyphertextkit-local-device-config"

// LocalDeviceConfig is the serialized shape persisted to disk, inside an
// encrypted blob: this device's own keys and the last UserConfig snapshot
// seen for this user. The salt used to derive the blob's encryption key is
// not part of it; it is stored separately, in cleartext.
type LocalDeviceConfig struct {
	DeviceKeys DeviceKeys
	UserConfig UserConfig
}

type serializedDeviceKeys struct {
	DeviceID         string
	SigningPublic    []byte
	SigningPrivate   []byte
	AgreementPublic  []byte
	AgreementPrivate []byte
}

type serializedDeviceConfig struct {
	DeviceID        string
	SigningPublic   []byte
	AgreementPublic []byte
	IsMaster        bool
}

type serializedUserConfig struct {
	UserID                string
	IdentityPublicSigning []byte
	Devices               []serializedDeviceConfig
	Signature             []byte
}

type serializedLocalConfig struct {
	DeviceKeys serializedDeviceKeys
	UserConfig serializedUserConfig
}

func (c LocalDeviceConfig) marshal() ([]byte, error) {
	devices := make([]serializedDeviceConfig, len(c.UserConfig.Devices))
	for i, d := range c.UserConfig.Devices {
		devices[i] = serializedDeviceConfig{
			DeviceID:        d.DeviceID,
			SigningPublic:   d.SigningPublic,
			AgreementPublic: d.AgreementPublic,
			IsMaster:        d.IsMaster,
		}
	}
	return json.Marshal(serializedLocalConfig{
		DeviceKeys: serializedDeviceKeys{
			DeviceID:         c.DeviceKeys.DeviceID,
			SigningPublic:    c.DeviceKeys.Signing.Public,
			SigningPrivate:   c.DeviceKeys.Signing.Private,
			AgreementPublic:  c.DeviceKeys.Agreement.Public,
			AgreementPrivate: c.DeviceKeys.Agreement.Private,
		},
		UserConfig: serializedUserConfig{
			UserID:                c.UserConfig.UserID,
			IdentityPublicSigning: c.UserConfig.IdentityPublicSigning,
			Devices:               devices,
			Signature:             c.UserConfig.Signature,
		},
	})
}

func unmarshalLocalConfig(data []byte) (LocalDeviceConfig, error) {
	var s serializedLocalConfig
	if err := json.Unmarshal(data, &s); err != nil {
		return LocalDeviceConfig{}, err
	}
	devices := make([]DeviceConfig, len(s.UserConfig.Devices))
	for i, d := range s.UserConfig.Devices {
		devices[i] = DeviceConfig{
			DeviceID:        d.DeviceID,
			SigningPublic:   d.SigningPublic,
			AgreementPublic: d.AgreementPublic,
			IsMaster:        d.IsMaster,
		}
	}
	return LocalDeviceConfig{
		DeviceKeys: DeviceKeys{
			DeviceID: s.DeviceKeys.DeviceID,
			Signing:  SigningKeyPair{Public: s.DeviceKeys.SigningPublic, Private: s.DeviceKeys.SigningPrivate},
			Agreement: AgreementKeyPair{
				Public:  s.DeviceKeys.AgreementPublic,
				Private: s.DeviceKeys.AgreementPrivate,
			},
		},
		UserConfig: UserConfig{
			UserID:                s.UserConfig.UserID,
			IdentityPublicSigning: s.UserConfig.IdentityPublicSigning,
			Devices:               devices,
			Signature:             s.UserConfig.Signature,
		},
	}, nil
}

// EncryptedBlob is the on-disk representation: a cleartext salt alongside
// the AEAD-sealed config. Per §4.4, the salt is generated once per
// installation and stored in cleartext; the password is never stored.
type EncryptedBlob struct {
	Salt       []byte
	Ciphertext []byte
}

// GenerateSalt produces a fresh local_device_salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, ctkerr.New("identity.GenerateSalt", ctkerr.CryptoInvalidHandshake, err)
	}
	return salt, nil
}

// deriveBlobKey computes AEAD(key = HKDF(SHA-512(password), salt)) per
// §4.4's local device-config blob construction.
func deriveBlobKey(password string, salt []byte) ([]byte, error) {
	ikm := sha512.Sum512([]byte(password))
	r := hkdf.New(sha512.New, ikm[:], salt, []byte(blobHKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts config under a key derived from password and salt.
func Seal(config LocalDeviceConfig, password string, salt []byte) (EncryptedBlob, error) {
	const op = "identity.Seal"
	plaintext, err := config.marshal()
	if err != nil {
		return EncryptedBlob{}, ctkerr.New(op, ctkerr.InputBad, err)
	}
	key, err := deriveBlobKey(password, salt)
	if err != nil {
		return EncryptedBlob{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedBlob{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedBlob{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedBlob{}, ctkerr.New(op, ctkerr.CryptoInvalidHandshake, err)
	}
	ct := gcm.Seal(nonce, nonce, plaintext, nil)
	return EncryptedBlob{Salt: append([]byte(nil), salt...), Ciphertext: ct}, nil
}

// Open decrypts blob under a key derived from password and the blob's own
// salt. A failure — whether wrong password or corruption — returns
// config/corrupt, per §4.4's "verification reconstructs the key and
// attempts to decrypt; success ≡ correct password."
func Open(blob EncryptedBlob, password string) (LocalDeviceConfig, error) {
	key, err := deriveBlobKey(password, blob.Salt)
	if err != nil {
		return LocalDeviceConfig{}, err
	}
	return openWithKey(blob, key)
}

// openWithKey decrypts blob with an already-derived key, shared by Open
// (password path) and OpenWithCache (cached-key path).
func openWithKey(blob EncryptedBlob, key []byte) (LocalDeviceConfig, error) {
	const op = "identity.Open"
	block, err := aes.NewCipher(key)
	if err != nil {
		return LocalDeviceConfig{}, ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return LocalDeviceConfig{}, ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}
	if len(blob.Ciphertext) < gcm.NonceSize() {
		return LocalDeviceConfig{}, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("ciphertext too short"))
	}
	nonce, ct := blob.Ciphertext[:gcm.NonceSize()], blob.Ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return LocalDeviceConfig{}, ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}
	cfg, err := unmarshalLocalConfig(plaintext)
	if err != nil {
		return LocalDeviceConfig{}, ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}
	return cfg, nil
}
