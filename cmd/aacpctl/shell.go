package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"aacpd/internal/aacp"
	"aacpd/internal/daemon"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session for poking at the device",
	RunE:  runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func shellCompleter() *readline.PrefixCompleter {
	onOffItems := func() []readline.PrefixCompleterInterface {
		return []readline.PrefixCompleterInterface{
			readline.PcItem("on"), readline.PcItem("off"),
		}
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("devices"),
		readline.PcItem("telemetry"),
		readline.PcItem("battery"),
		readline.PcItem("mode",
			readline.PcItem("off"), readline.PcItem("anc"),
			readline.PcItem("transparency"), readline.PcItem("adaptive")),
		readline.PcItem("ca", onOffItems()...),
		readline.PcItem("autoconnect", onOffItems()...),
		readline.PcItem("rename"),
		readline.PcItem("claim"),
		readline.PcItem("release"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func runShell(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("the shell needs a terminal, pipe commands to aacpctl directly instead")
	}
	cmd.SilenceUsage = true

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          bold("aacp> "),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    shellCompleter(),
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	c := client()
	printShellHelp()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		verb := strings.ToLower(parts[0])
		rest := parts[1:]

		if verb == "exit" || verb == "quit" || verb == "q" {
			return nil
		}
		if err := runShellCommand(c, verb, rest); err != nil {
			fmt.Fprintf(rl.Stderr(), "%s\n", red(err.Error()))
		}
	}
}

func runShellCommand(c *daemon.Client, verb string, args []string) error {
	switch verb {
	case "help", "?":
		printShellHelp()
		return nil

	case "status", "s":
		statuses, err := c.Status()
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("no device attached")
			return nil
		}
		for _, status := range statuses {
			printDeviceStatus(status)
		}
		return nil

	case "devices", "d":
		return runDevices(&cobra.Command{}, nil)

	case "telemetry", "t":
		return runTelemetry(&cobra.Command{}, nil)

	case "battery", "b":
		return runBattery(&cobra.Command{}, nil)

	case "mode", "m":
		if len(args) != 1 {
			return fmt.Errorf("usage: mode <off|anc|transparency|adaptive>")
		}
		mode, err := parseListeningMode(args[0])
		if err != nil {
			return err
		}
		return c.SetCommand(targetMAC, aacp.ControlListeningMode, []byte{byte(mode)})

	case "ca":
		return shellToggle(c, args, aacp.ControlConversationMode, "usage: ca <on|off>")

	case "rename":
		if len(args) == 0 {
			return fmt.Errorf("usage: rename <name>")
		}
		return c.Rename(targetMAC, strings.Join(args, " "))

	case "autoconnect":
		if len(args) != 1 {
			return fmt.Errorf("usage: autoconnect <on|off>")
		}
		enabled, err := onOff(args[0])
		if err != nil {
			return err
		}
		mac, err := pickMAC(c)
		if err != nil {
			return err
		}
		return c.SetAutoConnect(mac, enabled)

	case "claim":
		return c.SetCommand(targetMAC, aacp.ControlOwnsConnection, []byte{0x01})

	case "release":
		return c.SetCommand(targetMAC, aacp.ControlOwnsConnection, []byte{0x00})
	}
	return fmt.Errorf("unknown command %q, try help", verb)
}

func shellToggle(c *daemon.Client, args []string, id aacp.ControlCommandID, usage string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s", usage)
	}
	enabled, err := onOff(args[0])
	if err != nil {
		return err
	}
	value := byte(0x02)
	if enabled {
		value = 0x01
	}
	return c.SetCommand(targetMAC, id, []byte{value})
}

func printShellHelp() {
	fmt.Println(`Commands:
  status            show attached devices
  devices           list the registry
  telemetry         BLE advertisement data
  battery           session battery table
  mode <m>          off | anc | transparency | adaptive
  ca <on|off>       conversation awareness
  rename <name>     rename the device
  autoconnect <on|off>
  claim / release   audio connection ownership
  exit`)
}
