// Package bus implements the Bus Controller (spec §4.1): the component that
// exclusively owns the RS-485 serial port, frames Modbus-RTU commands,
// serializes everything on the wire, paces inter-frame timing, retries with
// backoff, falls back between function codes, performs burst recovery for
// stuck latches, and monitors the port's health with automatic reconnection.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.bug.st/serial"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/kioskerr"
	mb "github.com/lockerkiosk/core/internal/modbus"
)

var errHardwareUnavailable = errors.New("port not open")

// RelayCard is one entry in a kiosk's relay-card topology (spec §3.3).
type RelayCard struct {
	SlaveAddress int
	ChannelCount int
}

// Config carries every tunable named in spec §6, with the spec's defaults.
type Config struct {
	KioskID string
	Device  string
	Baud    int
	Parity  string // "N", "E", "O"
	StopBits int   // 1 or 2

	RelayCards []RelayCard

	OpenPulse             time.Duration // OPEN_PULSE_MS, default 400ms
	OpenBurstWindow        time.Duration // OPEN_BURST_SECONDS, default 10s
	OpenBurstInterval      time.Duration // OPEN_BURST_INTERVAL_MS, default 2000ms
	CommandInterval        time.Duration // COMMAND_INTERVAL_MS, default 300ms
	FrameTimeout           time.Duration // TIMEOUT_MS, default 1000ms
	MaxRetries             int           // default 3 (max_retries+1 = 4 total tries)
	ConnectionRetryAttempts int          // default 3
	HealthCheckInterval    time.Duration // default 30s
	UseMultipleCoils       bool          // default true
	VerifyWrites           bool          // default false
}

// DefaultConfig returns spec §6's defaults for every timing/retry knob,
// leaving KioskID/Device/Baud/RelayCards for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		Baud:                    9600,
		Parity:                  "N",
		StopBits:                1,
		OpenPulse:               400 * time.Millisecond,
		OpenBurstWindow:         10 * time.Second,
		OpenBurstInterval:       2000 * time.Millisecond,
		CommandInterval:         300 * time.Millisecond,
		FrameTimeout:            1000 * time.Millisecond,
		MaxRetries:              3,
		ConnectionRetryAttempts: 3,
		HealthCheckInterval:     30 * time.Second,
		UseMultipleCoils:        true,
		VerifyWrites:            false,
	}
}

// Controller is the Bus Controller described in spec §4.1.
type Controller struct {
	cfg        Config
	transport  *rtuTransport
	health     *healthTracker
	sink       events.Sink
	metricsReg prometheus.Registerer

	lockerMu   sync.Mutex
	lockerLock map[int]*sync.Mutex // per-locker mutex, keyed by locker id, populated lazily (spec §9)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithEventSink routes every significant action to sink (spec §4.1
// "Observable outputs"). Defaults to a no-op sink.
func WithEventSink(sink events.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithMetricsRegisterer registers the controller's Prometheus collectors
// against reg instead of leaving them unregistered. Pass nil (the default)
// to skip registration entirely, e.g. in tests.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) { c.metricsReg = reg }
}

func New(cfg Config, opts ...Option) (*Controller, error) {
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := parseStopBits(cfg.StopBits)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		sink:       events.NopSink{},
		lockerLock: make(map[int]*sync.Mutex),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.health = newHealthTracker(20, c.metricsReg, cfg.KioskID)
	c.transport = newRTUTransport(cfg.Device, cfg.Baud, parity, stopBits, cfg.CommandInterval, cfg.FrameTimeout, nil)
	return c, nil
}

func parseParity(p string) (serial.Parity, error) {
	switch p {
	case "", "N":
		return serial.NoParity, nil
	case "E":
		return serial.EvenParity, nil
	case "O":
		return serial.OddParity, nil
	default:
		return 0, fmt.Errorf("bus: illegal parity %q", p)
	}
}

func parseStopBits(n int) (serial.StopBits, error) {
	switch n {
	case 0, 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("bus: illegal stop bits %d", n)
	}
}

// Start opens the port and launches the background health-check / auto
// reconnect task (spec §4.1 port state machine). It does not block.
func (c *Controller) Start(ctx context.Context) error {
	c.health.setState(StateConnecting)
	if err := c.connectWithRetry(ctx); err != nil {
		c.health.setState(StateDisconnected)
		return err
	}
	c.health.setState(StateConnected)

	c.wg.Add(1)
	go c.healthLoop()
	return nil
}

// Stop closes the port and stops the health-check task.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.transport.close()
}

func (c *Controller) connectWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ConnectionRetryAttempts)), ctx)

	return backoff.Retry(func() error {
		return c.transport.open()
	}, bctx)
}

func (c *Controller) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runHealthCheck()
		}
	}
}

func (c *Controller) runHealthCheck() {
	if !c.transport.isOpen() {
		c.health.setState(StateDisconnected)
		c.reconnect()
		return
	}
	if c.health.degradedByPolicy() {
		if c.health.getState() != StateDegraded {
			c.health.setState(StateDegraded)
			c.emit(events.TypeHealthDegraded, 0, "", nil)
		}
	} else if c.health.getState() == StateDegraded {
		c.health.setState(StateConnected)
	}
}

func (c *Controller) reconnect() {
	c.health.setState(StateConnecting)
	if err := c.connectWithRetry(context.Background()); err != nil {
		c.emit(events.TypeReconnectFailed, 0, "", map[string]any{"error": err.Error()})
		c.health.setState(StateDisconnected)
		return
	}
	c.health.recordReconnect()
	c.health.setState(StateConnected)
	c.emit(events.TypeReconnected, 0, "", nil)
}

// Health returns the current HealthSnapshot (spec §4.1).
func (c *Controller) Health() HealthSnapshot {
	return c.health.snapshot()
}

// SetDegraded is the staff/ops entry point for the manual half of spec
// §4.1's Degraded condition ("error rate threshold OR manual flag"):
// operations can force a kiosk's bus into Degraded ahead of the next
// scheduled health check, or clear a manually-forced Degraded once the
// hardware issue is resolved.
func (c *Controller) SetDegraded(degraded bool) {
	c.health.setManualDegraded(degraded)
	if degraded {
		if c.health.getState() != StateDegraded {
			c.health.setState(StateDegraded)
			c.emit(events.TypeHealthDegraded, 0, "", map[string]any{"manual": true})
		}
		return
	}
	if c.health.getState() == StateDegraded && !c.health.degradedByPolicy() {
		c.health.setState(StateConnected)
	}
}

func (c *Controller) emit(t events.Type, lockerID int, actor string, details map[string]any) {
	c.sink.Emit(events.Event{
		Timestamp: time.Now(),
		KioskID:   c.cfg.KioskID,
		LockerID:  lockerID,
		Type:      t,
		Actor:     actor,
		Details:   details,
	})
}

// lockForLocker returns the lazily-created per-locker mutex (spec §9:
// "Per-locker mutexes live in a map indexed by id, populated lazily on first
// use").
func (c *Controller) lockForLocker(lockerID int) *sync.Mutex {
	c.lockerMu.Lock()
	defer c.lockerMu.Unlock()
	m, ok := c.lockerLock[lockerID]
	if !ok {
		m = &sync.Mutex{}
		c.lockerLock[lockerID] = m
	}
	return m
}

// backoffDelay implements the shared retry formula used by both the pulse
// and burst retry ladders (spec §4.1): min(base*2^attempt, cap) + jitter,
// jitter in [0, 0.1*delay]. attempt is zero-based.
func backoffDelay(attempt int, base, capDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > capDelay {
			delay = capDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// OpenChannel is the high-level "unlock this latch" primitive (spec §4.1).
// It acquires the per-locker mutex first, then contends for the bus mutex
// internally via the transport's own locking on every transact() call.
func (c *Controller) OpenChannel(ctx context.Context, lockerID int) error {
	phys, err := LocatePhysical(lockerID)
	if err != nil {
		return kioskerr.WithLocker(kioskerr.InvalidArgument, c.cfg.KioskID, lockerID, "%v", err)
	}

	lock := c.lockForLocker(lockerID)
	lock.Lock()
	defer lock.Unlock()

	if !c.transport.isOpen() {
		c.emit(events.TypeHardwareUnavail, lockerID, "", map[string]any{"reason": "port not open"})
		return kioskerr.WithLocker(kioskerr.HardwareUnavailable, c.cfg.KioskID, lockerID, "port not open")
	}

	c.emit(events.TypeOpenAttempt, lockerID, "", nil)

	if err := c.pulseWithRetry(ctx, phys); err == nil {
		c.health.recordResult(true, "")
		c.emit(events.TypeOpenSuccess, lockerID, "", map[string]any{"mode": "pulse"})
		return nil
	}

	c.emit(events.TypeBurstRequired, lockerID, "", nil)
	if err := c.burstWithRetry(ctx, phys); err != nil {
		c.health.recordResult(false, err.Error())
		c.emit(events.TypeOpenFailed, lockerID, "", map[string]any{"error": err.Error()})
		c.emit(events.TypeOperationFailed, lockerID, "", map[string]any{"op": "open_channel", "error": err.Error()})
		return kioskerr.WithLocker(kioskerr.HardwareUnavailable, c.cfg.KioskID, lockerID, "open failed after burst: %v", err)
	}
	c.health.recordResult(true, "")
	c.emit(events.TypeOpenSuccess, lockerID, "", map[string]any{"mode": "burst"})
	return nil
}

// CloseChannel force-de-energizes a coil: used by burst cleanup and as an
// emergency staff API (spec §4.1).
func (c *Controller) CloseChannel(ctx context.Context, lockerID int) error {
	phys, err := LocatePhysical(lockerID)
	if err != nil {
		return kioskerr.WithLocker(kioskerr.InvalidArgument, c.cfg.KioskID, lockerID, "%v", err)
	}
	lock := c.lockForLocker(lockerID)
	lock.Lock()
	defer lock.Unlock()

	if !c.transport.isOpen() {
		c.emit(events.TypeHardwareUnavail, lockerID, "", map[string]any{"reason": "port not open"})
		return kioskerr.WithLocker(kioskerr.HardwareUnavailable, c.cfg.KioskID, lockerID, "port not open")
	}
	return c.writeCoil(phys, false)
}

// pulse sends ON then, after OpenPulse, OFF; both writes must succeed.
func (c *Controller) pulse(phys Physical) error {
	if err := c.writeCoil(phys, true); err != nil {
		return err
	}
	time.Sleep(c.cfg.OpenPulse)
	return c.writeCoil(phys, false)
}

func (c *Controller) pulseWithRetry(ctx context.Context, phys Physical) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt, time.Second, 30*time.Second)):
			}
		}
		if err := c.pulse(phys); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// burst repeats pulse cycles for OpenBurstWindow, pausing OpenBurstInterval
// between cycles, then always sends a final explicit close regardless of
// outcome (spec §4.1). Reports success if any pulse inside the window
// succeeded.
func (c *Controller) burst(phys Physical) error {
	c.health.recordBurst()
	deadline := time.Now().Add(c.cfg.OpenBurstWindow)
	anySuccess := false
	var lastErr error

	for time.Now().Before(deadline) {
		if err := c.pulse(phys); err != nil {
			lastErr = err
		} else {
			anySuccess = true
		}
		if time.Now().Add(c.cfg.OpenBurstInterval).After(deadline) {
			break
		}
		time.Sleep(c.cfg.OpenBurstInterval)
	}

	// Final explicit close guarantees de-energization even if an
	// intervening pulse left the coil on.
	closeErr := c.writeCoil(phys, false)

	if anySuccess {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return closeErr
}

func (c *Controller) burstWithRetry(ctx context.Context, phys Physical) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt, time.Second, 30*time.Second)):
			}
		}
		if err := c.burst(phys); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// writeCoil performs one energize/de-energize write, preferring 0x0F when
// UseMultipleCoils is set and falling back to 0x05 on failure — the
// "function-code fallback" from spec §4.1, applied per write.
func (c *Controller) writeCoil(phys Physical, on bool) error {
	addr := CoilAddress(phys.Channel)

	var err error
	if c.cfg.UseMultipleCoils {
		_, err = c.transport.transact(byte(phys.Slave), mb.FuncWriteMultipleCoils, mb.EncodeWriteMultipleCoils(addr, []bool{on}))
		if err == nil {
			return c.maybeVerify(phys, on)
		}
	}
	_, err = c.transport.transact(byte(phys.Slave), mb.FuncWriteSingleCoil, mb.EncodeWriteSingleCoil(addr, on))
	if err != nil {
		return err
	}
	return c.maybeVerify(phys, on)
}

// maybeVerify reads the coil back when VerifyWrites is enabled and emits a
// warning event on mismatch without failing the write (spec §9 Open
// Question, resolved in SPEC_FULL §12).
func (c *Controller) maybeVerify(phys Physical, want bool) error {
	if !c.cfg.VerifyWrites {
		return nil
	}
	addr := CoilAddress(phys.Channel)
	resp, err := c.transport.transact(byte(phys.Slave), mb.FuncReadCoils, mb.EncodeReadCoils(addr, 1))
	if err != nil {
		return nil // verification itself is best-effort; don't fail the write over it
	}
	bits, err := mb.DecodeReadCoilsResponse(resp, 1)
	if err != nil || len(bits) != 1 {
		return nil
	}
	if bits[0] != want {
		lockerID, _ := LockerID(phys)
		c.emit(events.TypeWriteVerifyBad, lockerID, "", map[string]any{"want": want, "got": bits[0]})
	}
	return nil
}

// ScanBus probes slave addresses lowAddr..highAddr (inclusive) with a
// minimal Read Coils request and returns the ones that answer (spec §4.1).
func (c *Controller) ScanBus(lowAddr, highAddr int) []int {
	var alive []int
	for addr := lowAddr; addr <= highAddr; addr++ {
		if _, err := c.transport.transact(byte(addr), mb.FuncReadCoils, mb.EncodeReadCoils(0, 1)); err == nil {
			alive = append(alive, addr)
		}
	}
	return alive
}
