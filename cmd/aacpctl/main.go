// aacpctl drives a running aacpd over its control socket.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"aacpd/internal/daemon"
)

var (
	socketPath string
	targetMAC  string
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "aacpctl",
	Short: "Control AirPods through the aacpd daemon",
	Long: `aacpctl talks to a running aacpd. It shows battery and wearing state,
switches listening modes, toggles conversation awareness, manages the
known-device registry and claims the audio connection back from other hosts.`,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "daemon control socket (default "+daemon.DefaultSocketPath()+")")
	rootCmd.PersistentFlags().StringVarP(&targetMAC, "mac", "m", "", "target device MAC (optional with a single device)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func client() *daemon.Client {
	return daemon.NewClient(socketPath)
}

// pickMAC resolves the registry target: the --mac flag if given, otherwise
// the only known device.
func pickMAC(c *daemon.Client) (string, error) {
	if targetMAC != "" {
		return strings.ToUpper(targetMAC), nil
	}
	devices, err := c.Devices()
	if err != nil {
		return "", err
	}
	switch len(devices) {
	case 0:
		return "", fmt.Errorf("no known devices, connect one first")
	case 1:
		return devices[0].MAC, nil
	default:
		macs := make([]string, len(devices))
		for i, d := range devices {
			macs[i] = d.MAC
		}
		return "", fmt.Errorf("several known devices (%s), pass --mac", strings.Join(macs, ", "))
	}
}

func onOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}
