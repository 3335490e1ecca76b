package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidehub/wagate/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		sessions   []string
	)

	root := &cobra.Command{
		Use:           "wagated",
		Short:         "Multi-session WhatsApp gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				daemon.Module(daemon.Params{
					ConfigPath: configPath,
					Sessions:   sessions,
				}),
			)
			app.Run()
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default <data-dir>/config.toml)")
	root.Flags().StringSliceVarP(&sessions, "session", "s", nil, "session ID to start on boot (repeatable)")
	return root
}
