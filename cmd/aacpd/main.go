// aacpd is the AirPods companion daemon for Linux.
//
// It watches BlueZ for connecting AirPods, speaks Apple's accessory protocol
// to them over L2CAP, exports their battery state back into BlueZ, pauses
// desktop media players on ear-out, and keeps an eye on BLE advertisements
// so it can reconnect devices that report themselves disconnected. A small
// control API on a unix socket serves the aacpctl CLI.
//
// Usage:
//
//	aacpd [--config ~/.config/aacpd/config.yaml] [--log-level debug]
//
// Requirements:
//   - BlueZ running on the system bus
//   - the AirPods paired to this machine
//   - bluez experimental mode for battery export (optional, degrades cleanly)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"aacpd/internal/daemon"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "aacpd",
	Short: "AirPods companion daemon",
	Long: `aacpd pairs Linux with AirPods features that normally need an Apple host:
exact battery levels, ear detection, listening modes, conversation awareness
and multi-host audio hand-off.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default "+daemon.DefaultConfigPath()+")")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		if _, err := logrus.ParseLevel(logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = logLevel
	}
	cmd.SilenceUsage = true

	log := daemon.NewLogger(cfg.LogLevel)
	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
