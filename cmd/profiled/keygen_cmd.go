package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/profiled"
)

func newKeygenCommand() *cobra.Command {
	var outPath string
	var force bool
	defaultOutput := "$HOME/.profiled/" + profiled.DefaultKeyFileName
	if dir, err := profiled.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, profiled.DefaultKeyFileName)
	}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a record-encryption key file",
		Long: `Keygen mints a kryptograf root key plus the record descriptor and writes
them to a PEM key file. Point --key-file (or PROFILED_KEY_FILE) at the result
to encrypt records at rest. Every process sharing a store must use the same
key file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if outPath == "" {
				dir, err := profiled.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, profiled.DefaultKeyFileName)
			}
			if err := profiled.GenerateKeyFile(outPath, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key file to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for the key file (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}
