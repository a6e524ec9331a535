package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thrr87/hoard/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a fresh data directory with a default config.yaml and an empty, migrated database",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := resolveDataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("%s already exists, leaving it untouched\n", configPath)
	} else {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return fmt.Errorf("marshal default config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		fmt.Printf("wrote %s\n", configPath)
	}

	// openApp opens storage (running migrations to the latest schema
	// version) and generates the server-secret/HMAC sidecars before
	// releasing everything — init leaves behind a ready-to-serve data
	// directory without holding the server lock.
	a, err := openApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("initialized %s\n", dir)
	return nil
}
