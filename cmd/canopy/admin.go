// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/processor"
)

var (
	tenantID       string
	caTenantID     string
	allowPasswords bool
	outDir         string
	username       string
	password       string
)

// withProcessor runs fn with a processor on the configured storage, without transports
func withProcessor(cmd *cobra.Command, fn func(ctx context.Context, p *processor.Processor) error) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	p := processor.New(&processor.Builder{
		Store:      b.store,
		Archive:    b.archive,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	defer p.Close()
	if err := p.Bootstrap(ctx); err != nil {
		return err
	}
	return fn(ctx, p)
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant_id>",
	Short: "Create a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, func(ctx context.Context, p *processor.Processor) error {
			config := iot.DefaultAuthConfig()
			config.AllowPasswords = allowPasswords
			tenant, err := p.CreateTenant(ctx, args[0], &config)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created tenant %s\n", tenant.TenantID)
			return nil
		})
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create <device_id>",
	Short: "Create a device and write its client certificate",
	Long: `Create a device and issue its first client certificate. The certificate,
its key and the CA certificate are written to <out>/<device_id>.crt, .key and ca.crt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, func(ctx context.Context, p *processor.Processor) error {
			key := iot.DeviceKey{TenantID: tenantID, DeviceID: args[0]}
			issued, err := p.ProvisionDevice(ctx, key)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0700); err != nil {
				return err
			}
			files := map[string]string{
				key.DeviceID + ".crt": issued.CertificatePEM,
				key.DeviceID + ".key": issued.KeyPEM,
				"ca.crt":              issued.CAPEM,
			}
			for name, content := range files {
				if err := os.WriteFile(filepath.Join(outDir, name), []byte(content), 0600); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created device %s, certificate serial %s\n", key, issued.Serial)
			return nil
		})
	},
}

var devicePasswordCmd = &cobra.Command{
	Use:   "password <device_id>",
	Short: "Add a password credential to a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if password == "" {
			return fmt.Errorf("--password is required")
		}
		return withProcessor(cmd, func(ctx context.Context, p *processor.Processor) error {
			key := iot.DeviceKey{TenantID: tenantID, DeviceID: args[0]}
			credential, err := p.Gateway().SetPassword(ctx, key, username, password, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device %s accepts username %s\n", key, credential.Username)
			return nil
		})
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage certificate authorities",
}

func caScope() iot.CAScope {
	if caTenantID == "" {
		return iot.GlobalCA
	}
	return iot.TenantCA(caTenantID)
}

var caGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Replace a CA with a new one, the old one becomes the backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, func(ctx context.Context, p *processor.Processor) error {
			record, err := p.Authority().GenerateCA(ctx, caScope())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), record.CertificatePEM)
			return nil
		})
	},
}

var caRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Make the backup CA active again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, func(ctx context.Context, p *processor.Processor) error {
			return p.Authority().RestoreCA(ctx, caScope())
		})
	},
}

func init() {
	tenantCreateCmd.Flags().BoolVar(&allowPasswords, "allow-passwords", false, "accept password authentication")
	tenantCmd.AddCommand(tenantCreateCmd)

	deviceCmd.PersistentFlags().StringVar(&tenantID, "tenant", iot.DefaultTenant, "tenant of the device")
	deviceCreateCmd.Flags().StringVar(&outDir, "out", ".", "directory for the certificate files")
	devicePasswordCmd.Flags().StringVar(&username, "username", "", "username, default is the device id")
	devicePasswordCmd.Flags().StringVar(&password, "password", "", "the password")
	deviceCmd.AddCommand(deviceCreateCmd, devicePasswordCmd)

	caCmd.PersistentFlags().StringVar(&caTenantID, "tenant", "", "tenant of the CA, empty selects the global CA")
	caCmd.AddCommand(caGenerateCmd, caRestoreCmd)

	rootCmd.AddCommand(tenantCmd, deviceCmd, caCmd)
}
