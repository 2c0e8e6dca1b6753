// ABOUTME: Entry point for conure-agent, the per-host telemetry agent
// ABOUTME: Registers with a gateway and keeps reporting until interrupted

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/conure/internal/agentd"
	"github.com/2389/conure/internal/logging"
	"github.com/2389/conure/internal/sysinfo"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	root := rootCmd()
	root.AddCommand(sysinfoCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfg       agentd.Config
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:          "conure-agent",
		Short:        "conure-agent: reports host telemetry to a conure gateway",
		Long:         "Connects to a conure gateway, registers under a token and pushes a system report on an interval. The gateway can pull reports and open shells through the connection.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Address == "" {
				cfg.Address = os.Getenv("CONURE_ADDRESS")
			}
			if cfg.Token == "" {
				cfg.Token = os.Getenv("CONURE_TOKEN")
			}

			logger := logging.New(logLevel, logFormat)

			a, err := agentd.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			green := color.New(color.FgGreen)
			green.Print("▶ ")
			fmt.Printf("conure-agent %s → %s (%s)\n", version, cfg.Address, cfg.Transport)

			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&cfg.Address, "address", "a", "", "gateway address (env CONURE_ADDRESS)")
	cmd.Flags().StringVarP(&cfg.Token, "token", "t", "", "registration token (env CONURE_TOKEN)")
	cmd.Flags().StringVar(&cfg.ID, "id", "", "client_id reported with every report (default: hostname)")
	cmd.Flags().StringVar(&cfg.Transport, "transport", agentd.TransportGRPC, "gateway transport: grpc or stream")
	cmd.Flags().DurationVarP(&cfg.Interval, "interval", "i", agentd.DefaultInterval, "time between pushed reports")
	cmd.Flags().StringVar(&cfg.Shell, "shell", "", "shell for remote terminals (default: $SHELL or /bin/sh)")
	cmd.Flags().BoolVar(&cfg.DisableShell, "no-shell", false, "refuse remote shell requests")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func sysinfoCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "sysinfo",
		Short: "Print the report this host would send",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := sysinfo.Collect(id)
			if err != nil {
				return err
			}
			gray := color.New(color.FgHiBlack)
			row := func(k, v string) {
				gray.Printf("%-12s", k)
				fmt.Println(v)
			}
			row("client_id", info.ClientID)
			row("hostname", info.Hostname)
			row("os", fmt.Sprintf("%s %s (%s)", info.OSType, info.OSVersion, info.OSArch))
			row("time", info.Time().Format(time.RFC3339))
			row("time_zone", info.TimeZone)
			row("user", info.UserName)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "client_id to report")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
