package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"aacpd/internal/aacp"
)

var modeCmd = &cobra.Command{
	Use:       "mode <off|anc|transparency|adaptive>",
	Short:     "Switch the listening mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"off", "anc", "transparency", "adaptive"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseListeningMode(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		if err := client().SetCommand(targetMAC, aacp.ControlListeningMode, []byte{byte(mode)}); err != nil {
			return err
		}
		fmt.Printf("listening mode set to %s\n", cyan(mode.String()))
		return nil
	},
}

var caCmd = &cobra.Command{
	Use:   "ca <on|off>",
	Short: "Toggle conversation awareness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, args[0], aacp.ControlConversationMode, "conversation awareness")
	},
}

var adaptiveVolumeCmd = &cobra.Command{
	Use:   "adaptive-volume <on|off>",
	Short: "Toggle adaptive volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, args[0], aacp.ControlAdaptiveVolume, "adaptive volume")
	},
}

var allowOffCmd = &cobra.Command{
	Use:   "allow-off <on|off>",
	Short: "Allow Off as a listening mode option",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, args[0], aacp.ControlAllowOffOption, "off option")
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the audio connection for this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := client().SetCommand(targetMAC, aacp.ControlOwnsConnection, []byte{0x01}); err != nil {
			return err
		}
		fmt.Println(green("audio connection claimed"))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the audio connection to other hosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := client().SetCommand(targetMAC, aacp.ControlOwnsConnection, []byte{0x00}); err != nil {
			return err
		}
		fmt.Println("audio connection released")
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Rename the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := client().Rename(targetMAC, args[0]); err != nil {
			return err
		}
		fmt.Printf("renamed to %s\n", bold(args[0]))
		return nil
	},
}

var autoconnectCmd = &cobra.Command{
	Use:   "autoconnect <on|off>",
	Short: "Toggle automatic reconnects for a device",
	Long: `When enabled, the daemon reconnects the device as soon as its BLE
advertisements report it is wandering around disconnected. Requires the
advertisement keys, which are captured during the first connected session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := onOff(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		c := client()
		mac, err := pickMAC(c)
		if err != nil {
			return err
		}
		if err := c.SetAutoConnect(mac, enabled); err != nil {
			return err
		}
		fmt.Printf("autoconnect for %s: %s\n", mac, formatEnabled(enabled))
		return nil
	},
}

var commandCached bool

// commandCmd is the raw escape hatch for control identifiers the friendly
// subcommands do not cover.
var commandCmd = &cobra.Command{
	Use:   "command <identifier> [hex-value]",
	Short: "Send a raw control command",
	Long: `Writes a control command value, or with no value asks the device to
report the current one. --cached prints the last reported value instead
of touching the device.

Examples:
  aacpctl command 0x0d 02      # listening mode to NoiseCancellation
  aacpctl command 0x0d         # ask the device to report the mode
  aacpctl command 0x0d --cached`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRawCommand,
}

func init() {
	commandCmd.Flags().BoolVar(&commandCached, "cached", false, "print the last reported value")
	rootCmd.AddCommand(modeCmd, caCmd, adaptiveVolumeCmd, allowOffCmd,
		claimCmd, releaseCmd, renameCmd, autoconnectCmd, commandCmd)
}

func runToggle(cmd *cobra.Command, arg string, id aacp.ControlCommandID, label string) error {
	enabled, err := onOff(arg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	value := byte(0x02)
	if enabled {
		value = 0x01
	}
	if err := client().SetCommand(targetMAC, id, []byte{value}); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", label, formatEnabled(enabled))
	return nil
}

func runRawCommand(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(strings.TrimSpace(args[0]), 0, 8)
	if err != nil {
		return fmt.Errorf("identifier %q: %w", args[0], err)
	}
	cmd.SilenceUsage = true
	c := client()

	if commandCached {
		status, err := c.CommandStatus(targetMAC, aacp.ControlCommandID(id))
		if err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", status.Name, status.Value)
		return nil
	}

	if len(args) == 2 {
		value, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("value %q: %w", args[1], err)
		}
		return c.SetCommand(targetMAC, aacp.ControlCommandID(id), value)
	}
	return c.RefreshCommand(targetMAC, aacp.ControlCommandID(id))
}

func parseListeningMode(arg string) (aacp.ListeningMode, error) {
	switch strings.ToLower(arg) {
	case "off":
		return aacp.ListeningModeOff, nil
	case "anc", "nc", "noise-cancellation":
		return aacp.ListeningModeNoiseCancellation, nil
	case "transparency":
		return aacp.ListeningModeTransparency, nil
	case "adaptive":
		return aacp.ListeningModeAdaptive, nil
	}
	return 0, fmt.Errorf("unknown mode %q, want off, anc, transparency or adaptive", arg)
}

func formatEnabled(enabled bool) string {
	if enabled {
		return green("on")
	}
	return "off"
}
