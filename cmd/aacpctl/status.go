package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"aacpd/internal/aacp"
	"aacpd/internal/daemon"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show attached devices and their state",
	RunE:  runStatus,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known devices from the registry",
	RunE:  runDevices,
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Show passive BLE advertisement telemetry",
	Long: `Telemetry is decoded from proximity advertisements, so it is available
even while the device is connected to another host. Battery figures are
1% accurate once the daemon has captured the encryption key over an
active session, ~10% otherwise.`,
	RunE: runTelemetry,
}

var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Show battery levels reported over the active session",
	RunE:  runBattery,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	devicesCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	telemetryCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(statusCmd, devicesCmd, telemetryCmd, batteryCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	statuses, err := client().Status()
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(statuses)
	}
	if len(statuses) == 0 {
		fmt.Println("no device attached")
		return nil
	}

	for i, status := range statuses {
		if i > 0 {
			fmt.Println()
		}
		printDeviceStatus(status)
	}
	return nil
}

func printDeviceStatus(status daemon.DeviceStatus) {
	name := status.Name
	if name == "" {
		name = "AirPods"
	}
	fmt.Printf("%s  %s\n", bold(name), status.MAC)
	fmt.Printf("  handshake: %s\n", colorHandshake(status.HandshakeState))

	for _, reading := range status.Battery {
		fmt.Printf("  %-10s %s\n", strings.ToLower(reading.Component)+":", formatBattery(reading))
	}

	for _, ctl := range status.Controls {
		switch aacp.ControlCommandID(ctl.Identifier) {
		case aacp.ControlListeningMode:
			fmt.Printf("  mode:      %s\n", cyan(listeningModeName(ctl.Value)))
		case aacp.ControlConversationMode:
			fmt.Printf("  awareness: %s\n", onOffValue(ctl.Value))
		case aacp.ControlAdaptiveVolume:
			fmt.Printf("  adaptive volume: %s\n", onOffValue(ctl.Value))
		}
	}

	if status.Ownership {
		fmt.Printf("  audio:     %s\n", green("owned by this host"))
	} else {
		fmt.Printf("  audio:     %s\n", yellow("not owned"))
	}
	if status.ConversationAwareness {
		fmt.Printf("  speech:    %s\n", cyan("conversation in progress"))
	}
}

func runDevices(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	devices, err := client().Devices()
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(devices)
	}
	if len(devices) == 0 {
		fmt.Println("no known devices yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tNAME\tTYPE\tKEYS\tAUTOCONNECT\tCONNECTED")
	for _, d := range devices {
		keys := "none"
		switch {
		case d.HasIRK && d.HasEncKey:
			keys = "irk+enc"
		case d.HasIRK:
			keys = "irk"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			d.MAC, d.Name, d.Type, keys, d.AutoConnect, connectedMark(d.Connected))
	}
	return w.Flush()
}

func runTelemetry(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	reports, err := client().Telemetry()
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(reports)
	}
	if len(reports) == 0 {
		fmt.Println("no advertisements decoded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tLEFT\tRIGHT\tCASE\tEARS\tSTATE\tACCURACY")
	for _, r := range reports {
		accuracy := "~10%"
		if r.Decrypted {
			accuracy = "1%"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.MAC,
			formatBattery(r.Left), formatBattery(r.Right), formatBattery(r.Case),
			earMarks(r.LeftInEar, r.RightInEar),
			r.ConnectionState,
			accuracy)
	}
	return w.Flush()
}

func runBattery(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	statuses, err := client().Status()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no device attached, try 'aacpctl telemetry' for passive readings")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tNAME\tCOMPONENT\tLEVEL")
	for _, status := range statuses {
		for _, reading := range status.Battery {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				status.MAC, status.Name, strings.ToLower(reading.Component), formatBattery(reading))
		}
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBattery(b daemon.BatteryJSON) string {
	if b.Level == nil || b.Status == "Disconnected" {
		return "--"
	}
	s := fmt.Sprintf("%d%%", *b.Level)
	if b.Status == "Charging" {
		s += "+"
	}
	switch {
	case *b.Level <= 10:
		return red(s)
	case *b.Level <= 25:
		return yellow(s)
	default:
		return green(s)
	}
}

func colorHandshake(state string) string {
	if state == "Ready" {
		return green(state)
	}
	return yellow(state)
}

func listeningModeName(hexValue string) string {
	value, err := hex.DecodeString(hexValue)
	if err != nil || len(value) == 0 {
		return "unknown"
	}
	return aacp.ListeningMode(value[0]).String()
}

func onOffValue(hexValue string) string {
	value, err := hex.DecodeString(hexValue)
	if err != nil || len(value) == 0 {
		return "unknown"
	}
	if value[0] == 0x01 {
		return green("on")
	}
	return "off"
}

func earMarks(left, right bool) string {
	mark := func(worn bool, label string) string {
		if worn {
			return label
		}
		return "-"
	}
	return mark(left, "L") + mark(right, "R")
}

func connectedMark(connected bool) string {
	if connected {
		return green("yes")
	}
	return "no"
}
