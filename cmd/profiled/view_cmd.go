package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/profiled"
)

type viewOutput struct {
	Store            string         `json:"store" yaml:"store"`
	Key              string         `json:"key" yaml:"key"`
	Data             map[string]any `json:"data" yaml:"data"`
	ActiveSession    string         `json:"active_session,omitempty" yaml:"active_session,omitempty"`
	ForceLoadSession string         `json:"force_load_session,omitempty" yaml:"force_load_session,omitempty"`
	SessionLoadCount int64          `json:"session_load_count" yaml:"session_load_count"`
	CreatedAt        time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"updated_at"`
	// UpdatedAgo is the humanized lease-liveness age ("7 minutes ago").
	UpdatedAgo string `json:"updated_ago" yaml:"updated_ago"`
}

func newViewCommand(baseLogger pslog.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "view <store> <key>",
		Short: "Print a record and its lock metadata without claiming it",
		Args:  cobra.ExactArgs(2),
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
			view, err := store.View(ctx, args[1])
			if err != nil {
				return err
			}

			out := viewOutput{
				Store:            view.Store,
				Key:              view.Key,
				Data:             view.Data,
				SessionLoadCount: view.SessionLoadCount,
				CreatedAt:        view.CreatedAt,
				UpdatedAt:        view.UpdatedAt,
				UpdatedAgo:       humanize.Time(view.UpdatedAt),
			}
			if view.ActiveSession != nil {
				out.ActiveSession = view.ActiveSession.String()
			}
			if view.ForceLoadSession != nil {
				out.ForceLoadSession = view.ForceLoadSession.String()
			}

			var rendered []byte
			switch output {
			case "json":
				rendered, err = json.MarshalIndent(out, "", "  ")
			case "yaml":
				rendered, err = yaml.Marshal(out)
			default:
				return fmt.Errorf("unknown output format %q (json, yaml)", output)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", rendered)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json, yaml)")
	return cmd
}
