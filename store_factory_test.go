package profiled

import (
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/profiled/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(Config{StoreURL: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestBuildS3Config(t *testing.T) {
	t.Setenv("PROFILED_S3_ACCESS_KEY_ID", "minio")
	t.Setenv("PROFILED_S3_SECRET_ACCESS_KEY", "minio123")
	t.Setenv("PROFILED_S3_SESSION_TOKEN", "")

	cfg := Config{StoreURL: "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&region=us-east-1"}
	s3cfg, summary, err := BuildS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.Region != "us-east-1" {
		t.Fatalf("unexpected region: %s", s3cfg.Region)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "env:PROFILED_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildS3Config(Config{StoreURL: "s3://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildS3Config(Config{StoreURL: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
}

func TestBuildS3ConfigAnonymousFallsBackToChain(t *testing.T) {
	t.Setenv("PROFILED_S3_ACCESS_KEY_ID", "")
	t.Setenv("PROFILED_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("PROFILED_S3_SESSION_TOKEN", "")
	t.Setenv("PROFILED_S3_ROOT_USER", "")
	t.Setenv("PROFILED_S3_ROOT_PASSWORD", "")

	s3cfg, summary, err := BuildS3Config(Config{StoreURL: "s3://localhost:9000/bucket"})
	if err != nil {
		t.Fatalf("BuildS3Config: %v", err)
	}
	if s3cfg.CustomCreds != nil {
		t.Fatalf("expected chain credentials when env is empty")
	}
	if summary.Source != "auto" {
		t.Fatalf("unexpected credential source: %s", summary.Source)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("PROFILED_AWS_ACCESS_KEY_ID", "")
	t.Setenv("PROFILED_AWS_SECRET_ACCESS_KEY", "")

	cfg := Config{StoreURL: "aws://profiles-bucket/app1?region=eu-north-1&endpoint=localhost:9000&insecure=1&path-style=1"}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "profiles-bucket" {
		t.Fatalf("unexpected bucket: %s", awsCfg.Bucket)
	}
	if awsCfg.Prefix != "app1" {
		t.Fatalf("unexpected prefix: %s", awsCfg.Prefix)
	}
	if awsCfg.Region != "eu-north-1" {
		t.Fatalf("unexpected region: %s", awsCfg.Region)
	}
	if awsCfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", awsCfg.Endpoint)
	}
	if !awsCfg.Insecure || !awsCfg.ForcePathStyle {
		t.Fatalf("expected insecure and path-style from query: %+v", awsCfg)
	}
	if summary.Source != "aws-sdk-default-chain" || summary.AccessKey != "" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}

	t.Setenv("PROFILED_AWS_ACCESS_KEY_ID", "AKIAEXAMPLE")
	t.Setenv("PROFILED_AWS_SECRET_ACCESS_KEY", "sekrit")
	awsCfg, summary, err = BuildAWSConfig(Config{StoreURL: "aws://bucket?region=us-east-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig with statics: %v", err)
	}
	if awsCfg.AccessKey != "AKIAEXAMPLE" || awsCfg.SecretKey != "sekrit" {
		t.Fatalf("expected static credentials, got %+v", awsCfg)
	}
	if summary.AccessKey != "AKIAEXAMPLE" || !summary.HasSecret || summary.Source != "env:PROFILED_AWS_ACCESS_KEY_ID" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}

	t.Setenv("PROFILED_AWS_REGION", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig(Config{StoreURL: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
	if _, _, err := BuildAWSConfig(Config{StoreURL: "aws://?region=us-east-1"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("PROFILED_AZURE_ACCOUNT_KEY", "secret")
	t.Setenv("PROFILED_AZURE_SAS_TOKEN", "")

	azureCfg, err := BuildAzureConfig(Config{StoreURL: "azure://myaccount/container/prefix/path"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" {
		t.Fatalf("unexpected account: %s", azureCfg.Account)
	}
	if azureCfg.Container != "container" {
		t.Fatalf("unexpected container: %s", azureCfg.Container)
	}
	if azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", azureCfg.Prefix)
	}
	if azureCfg.AccountKey != "secret" {
		t.Fatalf("expected account key from env")
	}

	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	t.Setenv("AZURE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{StoreURL: "azure:///container"}); err == nil {
		t.Fatalf("expected error for missing account")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{StoreURL: "disk:///var/lib/profiled-data"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if diskCfg.Root != "/var/lib/profiled-data" {
		t.Fatalf("unexpected root: %s", diskCfg.Root)
	}
	if _, err := BuildDiskConfig(Config{StoreURL: "disk://"}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestBuildDiskConfigExpandsUserPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	diskCfg, err := BuildDiskConfig(Config{StoreURL: "disk://~/profiled-data"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if want := filepath.Join(home, "profiled-data"); diskCfg.Root != want {
		t.Fatalf("unexpected root %s, want %s", diskCfg.Root, want)
	}

	t.Setenv("PROFILED_TEST_ROOT", "/srv/profiled")
	diskCfg, err = BuildDiskConfig(Config{StoreURL: "disk://$PROFILED_TEST_ROOT/data"})
	if err != nil {
		t.Fatalf("BuildDiskConfig with env var: %v", err)
	}
	if diskCfg.Root != "/srv/profiled/data" {
		t.Fatalf("unexpected root %s", diskCfg.Root)
	}
}
