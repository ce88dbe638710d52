package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/profiled"
	"pkt.systems/profiled/internal/pathutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PROFILED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "profiled")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "profiled",
		Short:         "profiled manages session-locked profile records on a shared store",
		SilenceErrors: true,
		Example: `
  # Inspect a record on a MinIO backend
  PROFILED_S3_ACCESS_KEY_ID=minioadmin PROFILED_S3_SECRET_ACCESS_KEY=minioadmin \
    profiled view players alice --store s3://localhost:9000/profiles?insecure=1

  # Clear a lease stuck after a crash
  profiled unlock players alice --store disk:///var/lib/profiled-data

  # Generate a record-encryption key file
  profiled keygen --out ~/.profiled/keys.pem
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.profiled/"+profiled.DefaultConfigFileName+")")
	persistent.String("store", "", "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket?region=..., azure://account/container)")
	persistent.String("key-file", "", "PEM key file for record encryption (empty reads plaintext records)")
	persistent.Bool("snappy", false, "compress record plaintext before encrypting")
	persistent.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("PROFILED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"config", "store", "key-file", "snappy", "log-level"} {
		flag := persistent.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newViewCommand(baseLogger))
	cmd.AddCommand(newUnlockCommand(baseLogger))
	cmd.AddCommand(newWipeCommand(baseLogger))
	cmd.AddCommand(newListCommand(baseLogger))
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfigFile layers the YAML config file into viper. An explicit
// --config path must exist; the default location is used only when present.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := profiled.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, profiled.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// resolveConfig merges flags, PROFILED_* env and the optional config file.
func resolveConfig() (profiled.Config, error) {
	if _, err := loadConfigFile(); err != nil {
		return profiled.Config{}, err
	}
	return profiled.Config{
		StoreURL: viper.GetString("store"),
		KeyFile:  viper.GetString("key-file"),
		Snappy:   viper.GetBool("snappy"),
	}, nil
}

// openService connects to the configured store for one admin operation.
func openService(ctx context.Context, baseLogger pslog.Logger) (*profiled.Service, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cfg.Logger = logger
	return profiled.Open(ctx, cfg)
}

func closeService(svc *profiled.Service, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("service close failed", "error", err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
