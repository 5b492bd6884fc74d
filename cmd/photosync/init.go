package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kmowery/photosync/internal/config"
	"github.com/kmowery/photosync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "admin",
	Short:   "Write a starter config file",
	Long: `Write a starter configuration to ~/.photosync/photosync.yaml.

Existing config files are never overwritten; use --force to replace one.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if err := runInit(force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(force bool) error {
	dir := config.DefaultDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "photosync.yaml")

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	doc := map[string]any{
		"mode":        "incremental",
		"destination": "",
		"domain":      "photos",
		"album_sync":  false,
		"remote": map[string]any{
			"url":       "",
			"api_key":   "",
			"device_id": "",
		},
		"upload": map[string]any{
			"hash_concurrency":   4,
			"upload_concurrency": 4,
			"checksum_precheck":  true,
			"replace_changed":    false,
		},
		"retry": map[string]any{
			"max_retries":  3,
			"base_delay":   "1s",
			"max_delay":    "30s",
			"base_timeout": "2m",
		},
		"log": map[string]any{
			"level":       "info",
			"file":        filepath.Join(dir, "photosync.log"),
			"max_size_mb": 20,
			"max_backups": 3,
		},
		"dashboard": map[string]any{
			"port": 8095,
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	fmt.Println(ui.RenderMuted("Edit it, then run: photosync sync SOURCE_DIR"))
	return nil
}
