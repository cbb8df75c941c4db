package main

import (
	"fmt"

	"github.com/sevir/officepool/internal/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg := config.DefaultConfig()
			if home := config.DetectOfficeHome(); home != "" {
				cfg.OfficeHome = home
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration initialized")
			return nil
		},
	}
}
