package main

import (
	"fmt"

	"github.com/cc-warren/agency/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the daemon configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and type-check the configuration file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		fmt.Printf("config OK: %s\n", path)
		fmt.Printf("  nodes: %d\n", len(cfg.Controller.Docker.Nodes))
		for name, node := range cfg.Controller.Docker.Nodes {
			fmt.Printf("    - %s (%s, ram=%dMB, cpus=%d, gpu_blacklist=%v)\n",
				name, node.BaseURL, node.Hardware.RAMMB, node.Hardware.CPUs, node.Hardware.GPUBlacklist)
		}
		fmt.Printf("  trustee: %s\n", cfg.Trustee.InternalURL)
		fmt.Printf("  store data dir: %s\n", cfg.Store.DataDir)
		fmt.Printf("  notification hooks: %d\n", len(cfg.Controller.NotificationHooks))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configValidateCmd.Flags().String("config", "./agency.yml", "Path to the daemon configuration file")
}
