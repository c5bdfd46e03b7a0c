// Package commands implements ctk-devicectl's cobra subcommands.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"cyphertextkit/adapters/sqlitestore"
	"cyphertextkit/internal/config"
)

var (
	homeDir    string
	password   string
	userID     string
	deviceID   string
	envFile    string

	// wire holds the dependencies built in PersistentPreRunE, shared by
	// every subcommand.
	wire *Wire
)

// Wire bundles a ctk-devicectl invocation's wired dependencies: the loaded
// Config and the opened sqlite store backing this device's local state.
type Wire struct {
	Config config.Config
	Store  *sqlitestore.DB
}

// Execute builds the root cobra command and runs it.
func Execute() error {
	root := &cobra.Command{
		Use:   "ctk-devicectl",
		Short: "Manage a local cyphertextkit device identity",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if homeDir == "" {
				homeDir = cfg.HomeDir
			}
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return fmt.Errorf("creating home dir: %w", err)
			}
			db, err := sqlitestore.Open(filepath.Join(homeDir, "device.db"))
			if err != nil {
				return fmt.Errorf("opening device store: %w", err)
			}
			wire = &Wire{Config: cfg, Store: db}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "device data directory (default: $XDG_DATA_HOME/cyphertextkit or $HOME/.cyphertextkit)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "passphrase protecting the local device-config blob")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env.local", "optional .env file to load before reading the environment")

	root.AddCommand(initCmd(), statusCmd(), selftestCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)
	return root.Execute()
}
