package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/profiled"
)

func newUnlockCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <store> <key>",
		Short: "Clear a record's lease without touching its data",
		Long: `Unlock removes the active session and any pending takeover marker from a
record. Use it when a crashed holder's lease is in the way and waiting out the
dead-lock window is not an option. A holder that is in fact alive loses the
lease on its next save.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			svc, err := openService(ctx, baseLogger)
			if err != nil {
				return err
			}
			defer closeService(svc, baseLogger)

			store, err := svc.Store(profiled.StoreConfig{Name: args[0]})
			if err != nil {
				return err
			}
			if err := store.Unlock(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newWipeCommand(baseLogger pslog.Logger) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe <store> <key>",
		Short: "Delete a record outright (for right-to-erasure requests)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !yes {
				return fmt.Errorf("wipe permanently deletes %s/%s; re-run with --yes to confirm", args[0], args[1])
			}
			ctx := cmd.Context()
			svc, err := openService(ctx, baseLogger)
			if err != nil {
				return err
			}
			defer closeService(svc, baseLogger)

			store, err := svc.Store(profiled.StoreConfig{Name: args[0]})
			if err != nil {
				return err
			}
			if err := store.Wipe(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped %s/%s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func newListCommand(baseLogger pslog.Logger) *cobra.Command {
	var prefix string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <store>",
		Short: "List record keys in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			svc, err := openService(ctx, baseLogger)
			if err != nil {
				return err
			}
			defer closeService(svc, baseLogger)

			store, err := svc.Store(profiled.StoreConfig{Name: args[0]})
			if err != nil {
				return err
			}
			keys, err := store.List(ctx, prefix, limit)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list keys with this prefix")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum keys to list (0 lists all)")
	return cmd
}
