package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/modbus"
)

// coilHandler decides how a fake slave answers one request frame.
type coilHandler func(slave, function byte, payload []byte) (respPayload []byte, exceptionCode byte, wireErr error)

// fakePort is a minimal serialPort double: it decodes the request frame,
// asks a coilHandler how to answer, and replays the answer one byte-chunk
// per Read call the way a real UART would, with "silence" (n=0, nil)
// signalling frame-end to the transport's readFrame loop.
type fakePort struct {
	mu       sync.Mutex
	handler  coilHandler
	pending  []byte
	writeLog [][]byte
	writeAt  []time.Time
	closed   bool
}

func newFakePort(h coilHandler) *fakePort {
	return &fakePort{handler: h}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reqCopy := append([]byte(nil), b...)
	p.writeLog = append(p.writeLog, reqCopy)
	p.writeAt = append(p.writeAt, time.Now())

	slave, function, payload, err := modbus.DecodeFrame(modbus.Frame(b))
	if err != nil {
		return len(b), nil // malformed frame: slave stays silent, handled as a later timeout
	}
	respPayload, exc, wireErr := p.handler(slave, function, payload)
	if wireErr != nil {
		return len(b), nil // simulate a dropped frame: no response queued
	}
	respFunc := function
	if exc != 0 {
		respFunc |= 0x80
		respPayload = []byte{exc}
	}
	p.pending = modbus.EncodeFrame(slave, respFunc, respPayload)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func testOpener(port *fakePort) portOpener {
	return func(name string, mode *serial.Mode) (serialPort, error) {
		return port, nil
	}
}

func newTestController(t *testing.T, handler coilHandler, tweak func(*Config)) (*Controller, *fakePort, *events.Recorder) {
	t.Helper()
	port := newFakePort(handler)
	cfg := DefaultConfig()
	cfg.KioskID = "kiosk-test"
	cfg.Device = "/dev/fake"
	cfg.CommandInterval = 5 * time.Millisecond
	cfg.FrameTimeout = 20 * time.Millisecond
	cfg.OpenPulse = time.Millisecond
	cfg.OpenBurstWindow = 30 * time.Millisecond
	cfg.OpenBurstInterval = 2 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	if tweak != nil {
		tweak(&cfg)
	}

	rec := &events.Recorder{}
	ctrl, err := New(cfg, WithEventSink(rec))
	require.NoError(t, err)
	ctrl.transport.opener = testOpener(port)
	require.NoError(t, ctrl.transport.open())
	ctrl.health.setState(StateConnected) // what Start does after a successful connect
	return ctrl, port, rec
}

func alwaysSucceeds(slave, function byte, payload []byte) ([]byte, byte, error) {
	switch function {
	case modbus.FuncWriteMultipleCoils:
		addr := int(payload[0])<<8 | int(payload[1])
		count := int(payload[2])<<8 | int(payload[3])
		return modbus.EncodeWriteMultipleCoils(addr, make([]bool, count))[:4], 0, nil
	case modbus.FuncWriteSingleCoil:
		return payload, 0, nil
	case modbus.FuncReadCoils:
		return []byte{1, 0x01}, 0, nil
	default:
		return nil, 1, nil
	}
}

func TestOpenChannelSucceedsOnFirstPulse(t *testing.T) {
	ctrl, _, rec := newTestController(t, alwaysSucceeds, nil)
	defer ctrl.transport.close()

	err := ctrl.OpenChannel(context.Background(), 1)
	require.NoError(t, err)

	h := ctrl.Health()
	assert.Equal(t, int64(1), h.TotalCommands)
	assert.Equal(t, int64(0), h.FailedCommands)

	var sawSuccess bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeOpenSuccess {
			sawSuccess = true
			assert.Equal(t, "pulse", e.Details["mode"])
		}
	}
	assert.True(t, sawSuccess)
}

func TestWriteCoilFallsBackToSingleCoilOnMultipleCoilsException(t *testing.T) {
	handler := func(slave, function byte, payload []byte) ([]byte, byte, error) {
		if function == modbus.FuncWriteMultipleCoils {
			return nil, 1, nil // illegal function: slave doesn't support 0x0F
		}
		return alwaysSucceeds(slave, function, payload)
	}
	ctrl, port, _ := newTestController(t, handler, nil)
	defer ctrl.transport.close()

	err := ctrl.writeCoil(Physical{Slave: 1, Channel: 1}, true)
	require.NoError(t, err)

	var sawMultiple, sawSingle bool
	port.mu.Lock()
	for _, req := range port.writeLog {
		_, function, _, err := modbus.DecodeFrame(modbus.Frame(req))
		require.NoError(t, err)
		if function == modbus.FuncWriteMultipleCoils {
			sawMultiple = true
		}
		if function == modbus.FuncWriteSingleCoil {
			sawSingle = true
		}
	}
	port.mu.Unlock()
	assert.True(t, sawMultiple, "expected an attempt with 0x0F before falling back")
	assert.True(t, sawSingle, "expected a fallback attempt with 0x05")
}

func TestOpenChannelEscalatesToBurstWhenPulseNeverAnswers(t *testing.T) {
	handler := func(slave, function byte, payload []byte) ([]byte, byte, error) {
		return nil, 0, fmt.Errorf("no response: simulated stuck latch")
	}
	ctrl, _, rec := newTestController(t, handler, func(c *Config) {
		c.MaxRetries = 0 // fail fast so the test doesn't wait through a full retry ladder
	})
	defer ctrl.transport.close()

	err := ctrl.OpenChannel(context.Background(), 1)
	require.Error(t, err) // the handler never answers, so even burst exhausts its retries

	var sawBurstRequired bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeBurstRequired {
			sawBurstRequired = true
		}
	}
	assert.True(t, sawBurstRequired)

	h := ctrl.Health()
	assert.Equal(t, int64(1), h.BurstCount)
}

func TestOpenChannelEmitsHardwareUnavailWhenPortClosed(t *testing.T) {
	ctrl, _, rec := newTestController(t, alwaysSucceeds, nil)
	require.NoError(t, ctrl.transport.close())

	err := ctrl.OpenChannel(context.Background(), 1)
	require.Error(t, err)

	var sawUnavail bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeHardwareUnavail {
			sawUnavail = true
		}
	}
	assert.True(t, sawUnavail)
}

func TestCloseChannelEmitsHardwareUnavailWhenPortClosed(t *testing.T) {
	ctrl, _, rec := newTestController(t, alwaysSucceeds, nil)
	require.NoError(t, ctrl.transport.close())

	err := ctrl.CloseChannel(context.Background(), 1)
	require.Error(t, err)

	var sawUnavail bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeHardwareUnavail {
			sawUnavail = true
		}
	}
	assert.True(t, sawUnavail)
}

func TestOpenChannelEmitsOperationFailedAfterBurstExhausted(t *testing.T) {
	handler := func(slave, function byte, payload []byte) ([]byte, byte, error) {
		return nil, 0, fmt.Errorf("no response: simulated stuck latch")
	}
	ctrl, _, rec := newTestController(t, handler, func(c *Config) {
		c.MaxRetries = 0
	})
	defer ctrl.transport.close()

	err := ctrl.OpenChannel(context.Background(), 1)
	require.Error(t, err)

	var sawFailed bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeOperationFailed {
			sawFailed = true
			assert.Equal(t, "open_channel", e.Details["op"])
		}
	}
	assert.True(t, sawFailed)
}

func TestSetDegradedForcesAndClearsManualDegradedState(t *testing.T) {
	ctrl, _, rec := newTestController(t, alwaysSucceeds, nil)
	defer ctrl.transport.close()

	require.Equal(t, StateConnected, ctrl.Health().State)

	ctrl.SetDegraded(true)
	assert.Equal(t, StateDegraded, ctrl.Health().State)
	assert.True(t, ctrl.health.degradedByPolicy())

	var sawDegraded bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeHealthDegraded {
			sawDegraded = true
		}
	}
	assert.True(t, sawDegraded)

	ctrl.SetDegraded(false)
	assert.Equal(t, StateConnected, ctrl.Health().State)
	assert.False(t, ctrl.health.degradedByPolicy())
}

func TestOpenChannelRejectsOutOfRangeLocker(t *testing.T) {
	ctrl, _, _ := newTestController(t, alwaysSucceeds, nil)
	defer ctrl.transport.close()

	err := ctrl.OpenChannel(context.Background(), 0)
	require.Error(t, err)
}

func TestTransactEnforcesCommandInterval(t *testing.T) {
	ctrl, port, _ := newTestController(t, alwaysSucceeds, func(c *Config) {
		c.CommandInterval = 30 * time.Millisecond
	})
	defer ctrl.transport.close()

	_, err := ctrl.transport.transact(1, modbus.FuncReadCoils, modbus.EncodeReadCoils(0, 1))
	require.NoError(t, err)
	_, err = ctrl.transport.transact(1, modbus.FuncReadCoils, modbus.EncodeReadCoils(0, 1))
	require.NoError(t, err)

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.writeAt, 2)
	gap := port.writeAt[1].Sub(port.writeAt[0])
	assert.GreaterOrEqual(t, gap, 28*time.Millisecond, "transact must pace itself at least CommandInterval apart")
}

func TestScanBusReturnsOnlyRespondingSlaves(t *testing.T) {
	handler := func(slave, function byte, payload []byte) ([]byte, byte, error) {
		if slave == 2 {
			return nil, 0, fmt.Errorf("no response")
		}
		return alwaysSucceeds(slave, function, payload)
	}
	ctrl, _, _ := newTestController(t, handler, nil)
	defer ctrl.transport.close()

	alive := ctrl.ScanBus(1, 3)
	assert.Equal(t, []int{1, 3}, alive)
}

func TestLocatePhysicalAndLockerIDRoundTrip(t *testing.T) {
	for id := 1; id <= 33; id++ {
		p, err := LocatePhysical(id)
		require.NoError(t, err)
		got, err := LockerID(p)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	p1, _ := LocatePhysical(1)
	assert.Equal(t, Physical{Slave: 1, Channel: 1}, p1)
	p16, _ := LocatePhysical(16)
	assert.Equal(t, Physical{Slave: 1, Channel: 16}, p16)
	p17, _ := LocatePhysical(17)
	assert.Equal(t, Physical{Slave: 2, Channel: 1}, p17)
}
