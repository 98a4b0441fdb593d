package main

import (
	"context"
	"fmt"

	"github.com/cc-warren/agency/pkg/config"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect configured worker nodes",
}

var nodeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured nodes and their last-known state from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		s, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		ctx := context.Background()
		fmt.Printf("%-20s %-10s %-10s %-6s %s\n", "NODE", "STATE", "RAM_MB", "CPUS", "GPUS")
		for name := range cfg.Controller.Docker.Nodes {
			n, err := s.GetNode(ctx, name)
			if err != nil {
				fmt.Printf("%-20s %-10s %-10s %-6s %s\n", name, "unknown", "-", "-", "-")
				continue
			}
			fmt.Printf("%-20s %-10s %-10d %-6d %d\n", n.Name, n.State, n.RAMMB, n.CPUs, len(n.GPUs))
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeLsCmd)
	nodeLsCmd.Flags().String("config", "./agency.yml", "Path to the daemon configuration file")
}
