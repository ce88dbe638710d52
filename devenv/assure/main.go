// Command assure verifies a local development environment end to end: it
// provisions the MinIO bucket, opens profiled against it, and walks one
// record through claim, save, contention, view and wipe. Run it after
// bringing MinIO up; a zero exit means the devenv is usable.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/profiled"
	"pkt.systems/pslog"
)

type envConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

func loadConfig() envConfig {
	cfg := envConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "profileddev",
		SecretKey: "profileddev-secret",
		Bucket:    "profiled-dev",
		Prefix:    "assure",
	}
	if v := strings.TrimSpace(os.Getenv("PROFILED_DEVENV_S3_ENDPOINT")); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("PROFILED_DEVENV_S3_ACCESS_KEY")); v != "" {
		cfg.AccessKey = v
	}
	if v := os.Getenv("PROFILED_DEVENV_S3_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PROFILED_DEVENV_S3_BUCKET")); v != "" {
		cfg.Bucket = v
	}
	return cfg
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cfg := loadConfig()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devenv assurance failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("devenv assurance succeeded")
}

func run(ctx context.Context, cfg envConfig) error {
	if err := ensureBucket(ctx, cfg); err != nil {
		return err
	}

	logger := pslog.LoggerFromEnv(ctx, pslog.WithEnvPrefix("PROFILED_DEVENV_LOG_"), pslog.WithEnvOptions(pslog.Options{
		Mode:     pslog.ModeConsole,
		MinLevel: pslog.InfoLevel,
	})).With("app", "assure")

	os.Setenv("PROFILED_S3_ACCESS_KEY_ID", cfg.AccessKey)
	os.Setenv("PROFILED_S3_SECRET_ACCESS_KEY", cfg.SecretKey)
	storeURL := fmt.Sprintf("s3://%s/%s/%s?insecure=1&path-style=1", cfg.Endpoint, cfg.Bucket, cfg.Prefix)

	svcCfg := profiled.Config{
		StoreURL:             storeURL,
		AutoSaveInterval:     5 * time.Second,
		RemoteWriteCooldown:  100 * time.Millisecond,
		DeadLockAssumedAfter: 15 * time.Second,
		TickInterval:         250 * time.Millisecond,
		ProcessID:            "assure-a",
		Logger:               logger.With("actor", "service-a"),
	}
	svc, err := profiled.Open(ctx, svcCfg)
	if err != nil {
		return fmt.Errorf("open profiled: %w", err)
	}
	defer svc.Close(context.Background())

	players, err := svc.Store(profiled.StoreConfig{
		Name:     "players",
		Template: map[string]any{"coins": 0},
	})
	if err != nil {
		return fmt.Errorf("store players: %w", err)
	}

	key := "assure-" + uuid.NewString()
	profile, err := players.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	profile.Update(func(data map[string]any) { data["coins"] = 42 })
	if err := profile.Save(ctx); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	logger.Info("record persisted", "key", key)

	// A second service must be refused while the lease is live.
	svcCfg.ProcessID = "assure-b"
	svcCfg.Logger = logger.With("actor", "service-b")
	rival, err := profiled.Open(ctx, svcCfg)
	if err != nil {
		return fmt.Errorf("open rival: %w", err)
	}
	defer rival.Close(context.Background())
	rivalPlayers, err := rival.Store(profiled.StoreConfig{Name: "players"})
	if err != nil {
		return fmt.Errorf("rival store players: %w", err)
	}
	if _, err := rivalPlayers.Claim(ctx, key); !profiled.IsCode(err, profiled.SessionLocked) {
		return fmt.Errorf("rival claim: expected session_locked, got %v", err)
	}
	logger.Info("contention verified", "key", key)

	if err := profile.Release(ctx); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	view, err := rivalPlayers.View(ctx, key)
	if err != nil {
		return fmt.Errorf("view %s: %w", key, err)
	}
	if got, ok := view.Data["coins"].(float64); !ok || got != 42 {
		return fmt.Errorf("view %s: coins = %v, want 42", key, view.Data["coins"])
	}
	if view.ActiveSession != nil {
		return fmt.Errorf("view %s: lease still active after release", key)
	}
	if err := rivalPlayers.Wipe(ctx, key); err != nil {
		return fmt.Errorf("wipe %s: %w", key, err)
	}
	if _, err := rivalPlayers.View(ctx, key); !profiled.IsCode(err, profiled.NotFound) {
		return fmt.Errorf("view after wipe: expected not_found, got %v", err)
	}
	logger.Info("lifecycle verified", "key", key)
	return nil
}

func ensureBucket(ctx context.Context, cfg envConfig) error {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: false,
	})
	if err != nil {
		return fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket check (is MinIO running on %s?): %w", cfg.Endpoint, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}
