package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "authdns",
		Short:         "Authoritative DNS server with DNSSEC signing and dynamic updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfgPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "authdns.conf", "location of the config file, if config file not found, a config will generate")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server (default)",
		Args:  cobra.NoArgs,
		RunE:  cmd.RunE,
	}

	cmd.AddCommand(serveCmd, newVersionCmd(), newKeygenCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "authdns v"+version)
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
