package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lockerkiosk/core/internal/bus"
)

// ScanCommand probes a slave address range and reports which addresses
// respond, the diagnostic equivalent of the teacher's testClientRTU manual
// probe turned into a scriptable one-shot.
type ScanCommand struct {
	connFlags
	Low  int `long:"low" default:"1" description:"Lowest slave address to probe"`
	High int `long:"high" default:"16" description:"Highest slave address to probe"`
}

func (c *ScanCommand) Execute(args []string) error {
	ctrl, err := bus.New(c.connFlags.busConfig("mbctl", nil))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Stop()

	found := ctrl.ScanBus(c.Low, c.High)
	if len(found) == 0 {
		fmt.Println("no responding slaves found")
		return nil
	}
	fmt.Printf("responding slaves: %v\n", found)
	return nil
}

// PulseCommand drives a single locker's relay channel open, bypassing the
// state machine entirely (kiosk operator's physical-wiring sanity check).
type PulseCommand struct {
	connFlags
	Args struct {
		LockerID int `positional-arg-name:"locker-id" required:"yes"`
	} `positional-args:"yes" required:"yes"`
	SlaveAddress int `long:"slave" required:"true" description:"Relay card slave address hosting this locker"`
	Channels     int `long:"channels" default:"8" description:"Channel count on that relay card"`
}

func (c *PulseCommand) Execute(args []string) error {
	card := bus.RelayCard{SlaveAddress: c.SlaveAddress, ChannelCount: c.Channels}
	ctrl, err := bus.New(c.connFlags.busConfig("mbctl", []bus.RelayCard{card}))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.OpenChannel(ctx, c.Args.LockerID); err != nil {
		return fmt.Errorf("pulse locker %d: %w", c.Args.LockerID, err)
	}
	fmt.Printf("locker %d pulsed open\n", c.Args.LockerID)
	return nil
}

// HealthCommand connects and immediately dumps the port's HealthSnapshot,
// useful for an operator deciding whether a kiosk's bus is degraded.
type HealthCommand struct {
	connFlags
	SetDegraded   bool `long:"set-degraded" description:"Force the port into Degraded state (staff override, spec §4.1)"`
	ClearDegraded bool `long:"clear-degraded" description:"Clear a staff-forced Degraded state"`
}

func (c *HealthCommand) Execute(args []string) error {
	ctrl, err := bus.New(c.connFlags.busConfig("mbctl", nil))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Stop()

	if c.SetDegraded {
		ctrl.SetDegraded(true)
	} else if c.ClearDegraded {
		ctrl.SetDegraded(false)
	}

	h := ctrl.Health()
	fmt.Printf("state:            %s\n", h.State)
	fmt.Printf("error_rate:       %.2f%%\n", h.ErrorRate*100)
	if !h.LastSuccess.IsZero() {
		fmt.Printf("last_success_age: %s\n", time.Since(h.LastSuccess).Round(time.Second))
	} else {
		fmt.Printf("last_success_age: never\n")
	}
	fmt.Printf("reconnect_count:  %d\n", h.ReconnectCount)
	if h.LastError != "" {
		fmt.Printf("last_error:       %s\n", h.LastError)
	}
	return nil
}
