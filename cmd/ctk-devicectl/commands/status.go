package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cyphertextkit/identity"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			ctx := cmd.Context()

			salt, ok, err := wire.Store.ReadLocalDeviceSalt(ctx)
			if err != nil {
				return fmt.Errorf("reading local device salt: %w", err)
			}
			if !ok {
				return fmt.Errorf("no local identity found; run \"init\" first")
			}
			ciphertext, ok, err := wire.Store.ReadLocalDeviceConfig(ctx)
			if err != nil {
				return fmt.Errorf("reading local device config: %w", err)
			}
			if !ok {
				return fmt.Errorf("no local identity found; run \"init\" first")
			}

			cfg, err := identity.Open(identity.EncryptedBlob{Salt: salt, Ciphertext: ciphertext}, password)
			if err != nil {
				return fmt.Errorf("unlocking local device config: %w", err)
			}

			fmt.Printf("User:     %s\n", cfg.UserConfig.UserID)
			fmt.Printf("Device:   %s\n", cfg.DeviceKeys.DeviceID)
			fmt.Printf("Devices:  %d registered\n", len(cfg.UserConfig.Devices))
			for _, d := range cfg.UserConfig.Devices {
				role := "member"
				if d.IsMaster {
					role = "master"
				}
				fmt.Printf("  - %s (%s) %s\n", d.DeviceID, role, fingerprint(d.SigningPublic))
			}
			return nil
		},
	}
}
