package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maintenance",
	Short:   "Manage engine configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented config template",
	Long: `Write the default configuration as a commented YAML file for hand
editing. Refuses to overwrite an existing file.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultDir(), "config.yaml")
		}
		if err := config.WriteTemplate(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the daemon would run with: file values,
environment overrides and defaults merged, paths resolved.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		shown := *cfg
		if shown.Remote.Token != "" {
			shown.Remote.Token = "<redacted>"
		}
		out, err := yaml.Marshal(&shown)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
