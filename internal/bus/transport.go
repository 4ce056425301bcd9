package bus

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lockerkiosk/core/internal/modbus"
)

// serialPort is the subset of go.bug.st/serial.Port this package touches;
// declaring it locally lets tests substitute a fake without importing the
// OS-level serial driver.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// portOpener abstracts serial.Open so tests can inject a fake port.
type portOpener func(name string, mode *serial.Mode) (serialPort, error)

func openRealPort(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// rtuTransport owns the physical RS-485 port and is the single point where
// every byte crosses the wire. It mirrors the teacher's rtu.go pacing
// discipline — wait for bus idle, detect a frame by inter-character
// silence, never let two frames overlap — collapsed into one synchronous,
// mutex-guarded transact() call instead of the teacher's four-goroutine
// actor pipeline, since this module only ever plays Modbus *master* and has
// no concurrent server role to demultiplex.
type rtuTransport struct {
	mu sync.Mutex // the global bus mutex (spec §4.1/§5): guards every byte on the wire

	port serialPort

	device          string
	baud            int
	parity          serial.Parity
	stopBits        serial.StopBits
	commandInterval time.Duration // COMMAND_INTERVAL_MS
	interCharPause  time.Duration // t1.5 — silence that marks end of frame
	frameTimeout    time.Duration // TIMEOUT_MS

	lastFrameEnd time.Time
	opener       portOpener
}

func newRTUTransport(device string, baud int, parity serial.Parity, stopBits serial.StopBits, commandInterval, frameTimeout time.Duration, opener portOpener) *rtuTransport {
	if opener == nil {
		opener = openRealPort
	}
	// Per the Modbus spec: inter-character timeout is 1.5 character
	// periods, floored at a sane minimum for slow/noisy links. A character
	// is start bit + 8 data bits + parity (if any) + stop bits.
	bitsPerChar := 1 + 8 + 1 // start bit, 8 data bits, one stop bit
	if stopBits == serial.TwoStopBits {
		bitsPerChar++
	}
	if parity != serial.NoParity {
		bitsPerChar++
	}
	charPeriod := time.Duration(float64(bitsPerChar) / float64(baud) * float64(time.Second))
	pause := (charPeriod * 3) / 2
	if pause < 750*time.Microsecond {
		pause = 750 * time.Microsecond
	}
	return &rtuTransport{
		device:          device,
		baud:            baud,
		parity:          parity,
		stopBits:        stopBits,
		commandInterval: commandInterval,
		interCharPause:  pause,
		frameTimeout:    frameTimeout,
		opener:          opener,
	}
}

func (t *rtuTransport) open() error {
	mode := &serial.Mode{BaudRate: t.baud, DataBits: 8, Parity: t.parity, StopBits: t.stopBits}
	port, err := t.opener(t.device, mode)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.port = port
	t.lastFrameEnd = time.Time{}
	t.mu.Unlock()
	return nil
}

func (t *rtuTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *rtuTransport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// transact sends one request frame and waits for the matching response,
// under the global bus mutex, pacing itself to leave at least
// commandInterval since the previous frame completed (spec §4.1, §5:
// "Inter-frame spacing ... preserved across all callers").
func (t *rtuTransport) transact(slave, function byte, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, fmt.Errorf("bus: %w", errHardwareUnavailable)
	}

	if wait := time.Until(t.lastFrameEnd.Add(t.commandInterval)); wait > 0 {
		time.Sleep(wait)
	}

	frame := modbus.EncodeFrame(slave, function, payload)
	if err := t.writeFrame(frame); err != nil {
		t.lastFrameEnd = time.Now()
		return nil, err
	}

	resp, err := t.readFrame()
	t.lastFrameEnd = time.Now()
	if err != nil {
		return nil, err
	}

	rSlave, rFunc, rPayload, err := modbus.DecodeFrame(resp)
	if err != nil {
		return nil, err
	}
	if rSlave != slave {
		return nil, fmt.Errorf("bus: %w: response from slave %d, expected %d", modbus.ErrFraming, rSlave, slave)
	}
	if exc := modbus.DecodeException(rFunc, rPayload); exc != nil {
		return nil, exc
	}
	if rFunc != function {
		return nil, fmt.Errorf("bus: %w: response function 0x%02x, expected 0x%02x", modbus.ErrFraming, rFunc, function)
	}
	return rPayload, nil
}

func (t *rtuTransport) writeFrame(frame modbus.Frame) error {
	buf := []byte(frame)
	for len(buf) > 0 {
		n, err := t.port.Write(buf)
		if err != nil {
			return fmt.Errorf("bus: %w: write: %v", modbus.ErrTimeout, err)
		}
		buf = buf[n:]
	}
	return nil
}

// readFrame accumulates bytes until an inter-character silence of
// interCharPause is observed after at least one byte (the frame is done),
// or frameTimeout elapses with nothing received at all. This is the same
// silence-based framing technique the teacher's wireFramer/ticker pair
// implements, collapsed into a single poll loop since there is no demuxer
// to feed here.
func (t *rtuTransport) readFrame() (modbus.Frame, error) {
	deadline := time.Now().Add(t.frameTimeout)
	buf := make([]byte, 0, modbus.MaxFrameSize)
	chunk := make([]byte, modbus.MaxFrameSize)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 && len(buf) == 0 {
			return nil, fmt.Errorf("bus: %w", modbus.ErrTimeout)
		}
		readTimeout := t.interCharPause
		if len(buf) == 0 && remaining < readTimeout {
			readTimeout = remaining
			if readTimeout <= 0 {
				readTimeout = time.Millisecond
			}
		}
		if err := t.port.SetReadTimeout(readTimeout); err != nil {
			return nil, fmt.Errorf("bus: %w: set read timeout: %v", modbus.ErrTimeout, err)
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			if len(buf) > 0 {
				return modbus.Frame(buf), nil
			}
			return nil, fmt.Errorf("bus: %w: read: %v", modbus.ErrTimeout, err)
		}
		if n == 0 {
			if len(buf) > 0 {
				// Silence after at least one byte: frame complete.
				return modbus.Frame(buf), nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("bus: %w", modbus.ErrTimeout)
			}
			continue
		}
		buf = append(buf, chunk[:n]...)
		if len(buf) > modbus.MaxFrameSize {
			return nil, fmt.Errorf("bus: %w: frame exceeds max size", modbus.ErrFraming)
		}
	}
}
