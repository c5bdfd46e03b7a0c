package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"cyphertextkit/identity"
)

// fingerprint returns a short hex fingerprint of a public key, matching
// the truncated-SHA-256 convention display tooling in this space uses.
func fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new master device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if deviceID == "" {
				return fmt.Errorf("--device is required")
			}
			if password == "" {
				return fmt.Errorf("--password is required")
			}

			keys, err := identity.GenerateDeviceKeys(deviceID)
			if err != nil {
				return fmt.Errorf("generating device keys: %w", err)
			}
			cfg, err := identity.NewUserConfig(userID, keys.Signing.Public, []identity.DeviceConfig{
				{DeviceID: keys.DeviceID, SigningPublic: keys.Signing.Public, AgreementPublic: keys.Agreement.Public, IsMaster: true},
			}, keys.Signing)
			if err != nil {
				return fmt.Errorf("building user config: %w", err)
			}

			salt, err := identity.GenerateSalt()
			if err != nil {
				return fmt.Errorf("generating salt: %w", err)
			}
			blob, err := identity.Seal(identity.LocalDeviceConfig{DeviceKeys: keys, UserConfig: cfg}, password, salt)
			if err != nil {
				return fmt.Errorf("sealing local device config: %w", err)
			}

			ctx := cmd.Context()
			if err := wire.Store.WriteLocalDeviceSalt(ctx, blob.Salt); err != nil {
				return fmt.Errorf("writing local device salt: %w", err)
			}
			if err := wire.Store.WriteLocalDeviceConfig(ctx, blob.Ciphertext); err != nil {
				return fmt.Errorf("writing local device config: %w", err)
			}

			fmt.Printf("Identity created for %s/%s.\n", userID, deviceID)
			fmt.Printf("Signing fingerprint: %s\n", fingerprint(keys.Signing.Public))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user identifier this device belongs to")
	cmd.Flags().StringVar(&deviceID, "device", "", "this device's identifier")
	return cmd
}
