package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sevir/officepool/internal/config"
	"github.com/sevir/officepool/internal/process"
	"github.com/spf13/cobra"
)

func newFindPidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-pid <command> <argument>",
		Short: "Look up the pid of a process by command and argument",
		Long: "Runs the platform process listing once and prints the pid of the first process\n" +
			"whose command line contains <command> followed by <argument>.\n" +
			"Prints -2 when no process matches.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			resolver := process.DefaultResolver(cfg.RunAsArgs)
			if !resolver.CanFindPid() {
				return errors.New("process listing is not available on this platform")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			pid, err := resolver.FindPid(ctx, process.Query{Command: args[0], Argument: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pid)
			return nil
		},
	}
}
