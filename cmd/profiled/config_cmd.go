package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/profiled"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective profiled configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

type configView struct {
	StoreURL   string          `yaml:"store"`
	Backend    string          `yaml:"backend"`
	KeyFile    string          `yaml:"key-file,omitempty"`
	Encryption bool            `yaml:"encryption"`
	Snappy     bool            `yaml:"snappy,omitempty"`
	S3         *s3ConfigView   `yaml:"s3,omitempty"`
	AWS        *awsConfigView  `yaml:"aws,omitempty"`
	Azure      *azureView      `yaml:"azure,omitempty"`
	Disk       *diskConfigView `yaml:"disk,omitempty"`
}

type s3ConfigView struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix,omitempty"`
	Insecure       bool   `yaml:"insecure,omitempty"`
	ForcePathStyle bool   `yaml:"force-path-style,omitempty"`
	AccessKey      string `yaml:"access-key,omitempty"`
	HasSecret      bool   `yaml:"has-secret"`
	CredentialFrom string `yaml:"credentials-from"`
}

type awsConfigView struct {
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	Insecure       bool   `yaml:"insecure,omitempty"`
	ForcePathStyle bool   `yaml:"force-path-style,omitempty"`
	AccessKey      string `yaml:"access-key,omitempty"`
	HasSecret      bool   `yaml:"has-secret"`
	CredentialFrom string `yaml:"credentials-from"`
}

type azureView struct {
	Account   string `yaml:"account"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Container string `yaml:"container"`
	Prefix    string `yaml:"prefix,omitempty"`
	HasKey    bool   `yaml:"has-key"`
	HasSAS    bool   `yaml:"has-sas"`
}

type diskConfigView struct {
	Root string `yaml:"root"`
}

// newConfigShowCommand resolves the store URL the way Open would and prints
// the result, credentials reduced to their source.
func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved backend configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			view := configView{
				StoreURL:   cfg.StoreURL,
				KeyFile:    cfg.KeyFile,
				Encryption: cfg.EncryptionEnabled(),
				Snappy:     cfg.Snappy,
			}
			u, err := url.Parse(cfg.StoreURL)
			if err != nil {
				return fmt.Errorf("parse store url: %w", err)
			}
			switch strings.ToLower(u.Scheme) {
			case "", "mem", "memory":
				view.Backend = "memory"
			case "s3":
				view.Backend = "s3"
				s3cfg, creds, err := profiled.BuildS3Config(cfg)
				if err != nil {
					return err
				}
				view.S3 = &s3ConfigView{
					Endpoint:       s3cfg.Endpoint,
					Region:         s3cfg.Region,
					Bucket:         s3cfg.Bucket,
					Prefix:         s3cfg.Prefix,
					Insecure:       s3cfg.Insecure,
					ForcePathStyle: s3cfg.ForcePathStyle,
					AccessKey:      creds.AccessKey,
					HasSecret:      creds.HasSecret,
					CredentialFrom: creds.Source,
				}
			case "aws":
				view.Backend = "aws"
				awsCfg, creds, err := profiled.BuildAWSConfig(cfg)
				if err != nil {
					return err
				}
				view.AWS = &awsConfigView{
					Region:         awsCfg.Region,
					Bucket:         awsCfg.Bucket,
					Prefix:         awsCfg.Prefix,
					Endpoint:       awsCfg.Endpoint,
					Insecure:       awsCfg.Insecure,
					ForcePathStyle: awsCfg.ForcePathStyle,
					AccessKey:      creds.AccessKey,
					HasSecret:      creds.HasSecret,
					CredentialFrom: creds.Source,
				}
			case "azure":
				view.Backend = "azure"
				azcfg, err := profiled.BuildAzureConfig(cfg)
				if err != nil {
					return err
				}
				view.Azure = &azureView{
					Account:   azcfg.Account,
					Endpoint:  azcfg.Endpoint,
					Container: azcfg.Container,
					Prefix:    azcfg.Prefix,
					HasKey:    azcfg.AccountKey != "",
					HasSAS:    azcfg.SASToken != "",
				}
			case "disk":
				view.Backend = "disk"
				diskCfg, err := profiled.BuildDiskConfig(cfg)
				if err != nil {
					return err
				}
				view.Disk = &diskConfigView{Root: diskCfg.Root}
			default:
				return fmt.Errorf("unsupported store scheme %q", u.Scheme)
			}

			rendered, err := yaml.Marshal(view)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s", rendered)
			return nil
		},
	}
}
