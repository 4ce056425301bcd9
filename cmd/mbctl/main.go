// Command mbctl is the kiosk's low-level diagnostic CLI: a scriptable,
// single-shot tool for bus scans, manual pulses, and health dumps against a
// live RS-485 link, in the style of the teacher's mbcli tool.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/lockerkiosk/core/internal/bus"
)

type cliCommand struct {
	Scan   ScanCommand   `command:"scan" description:"Scan a slave address range for responding relay cards"`
	Pulse  PulseCommand  `command:"pulse" description:"Pulse a single locker's channel open"`
	Health HealthCommand `command:"health" description:"Dump the bus controller's current health snapshot"`
}

// connFlags are the serial-link parameters every subcommand needs,
// duplicated onto each command struct in the style of the teacher's
// mbcli (CoilGetCommands/CoilSetCommands each repeat their own Units flag
// rather than sharing parent state).
type connFlags struct {
	Device   string `short:"d" long:"device" description:"Serial device path" required:"true" env:"MBCTL_DEVICE"`
	Baud     int    `short:"b" long:"baud" default:"9600" description:"Baud rate"`
	Parity   string `short:"p" long:"parity" default:"N" description:"Parity: N, E, or O"`
	StopBits int    `long:"stop-bits" default:"1" description:"Stop bits: 1 or 2"`
	Timeout  int    `short:"t" long:"timeout" default:"5" description:"Per-frame timeout (seconds)"`
}

func (c connFlags) busConfig(kioskID string, cards []bus.RelayCard) bus.Config {
	cfg := bus.DefaultConfig()
	cfg.KioskID = kioskID
	cfg.Device = c.Device
	cfg.Baud = c.Baud
	cfg.Parity = c.Parity
	cfg.StopBits = c.StopBits
	cfg.FrameTimeout = time.Duration(c.Timeout) * time.Second
	cfg.RelayCards = cards
	return cfg
}

func main() {
	cli := cliCommand{}
	parser := flags.NewParser(&cli, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
