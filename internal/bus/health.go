package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PortState is the port lifecycle state machine from spec §4.1.
type PortState int

const (
	StateDisconnected PortState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s PortState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// HealthSnapshot is the read-only view of bus health exposed by
// Controller.Health() (spec §4.1 "Observable outputs").
type HealthSnapshot struct {
	State            PortState
	TotalCommands    int64
	FailedCommands   int64
	ErrorRate        float64 // failedCommands / totalCommands over the rolling window
	LastSuccess      time.Time
	ReconnectCount   int64
	BurstCount       int64
	LastError        string
}

// healthTracker accumulates the rolling counters behind a HealthSnapshot.
// Its counter bookkeeping is adapted from the teacher's busDiagnosticManager
// (modbusDiagnostics.go); all fields are guarded by a single mutex.
type healthTracker struct {
	mu    sync.Mutex // guards the fields below; see note in newHealthTracker
	state PortState

	window       []bool // true = success, ring buffer for rolling error rate
	windowSize   int
	windowPos    int
	windowFilled bool

	total, failed   int64
	lastSuccess     time.Time
	reconnectCount  int64
	burstCount      int64
	lastError       string
	degradedManual  bool

	commandsTotal   prometheus.Counter
	commandsFailed  prometheus.Counter
	reconnects      prometheus.Counter
	bursts          prometheus.Counter
	stateGauge      prometheus.Gauge
}

// newHealthTracker keeps a plain mutex rather than the teacher's
// channel-actor for this type: BusController needs to read-modify-write
// `state` depending on counters computed in the same call (health-check
// cadence, §4.1), which is awkward to express as fire-and-forget closures.
func newHealthTracker(windowSize int, reg prometheus.Registerer, kioskID string) *healthTracker {
	h := &healthTracker{
		windowSize: windowSize,
		window:     make([]bool, windowSize),
	}
	labels := prometheus.Labels{"kiosk_id": kioskID}
	h.commandsTotal = newCounter(reg, "bus_commands_total", "Total bus commands attempted.", labels)
	h.commandsFailed = newCounter(reg, "bus_commands_failed_total", "Total bus commands that failed after all retries.", labels)
	h.reconnects = newCounter(reg, "bus_reconnects_total", "Total successful port reconnects.", labels)
	h.bursts = newCounter(reg, "bus_bursts_total", "Total burst-recovery sequences performed.", labels)
	h.stateGauge = newGauge(reg, "bus_port_state", "Current bus port state (0=disconnected,1=connecting,2=connected,3=degraded).", labels)
	return h
}

func newCounter(reg prometheus.Registerer, name, help string, labels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	if reg != nil {
		reg.Register(c) //nolint:errcheck // duplicate registration across kiosks sharing a registry is tolerated
	}
	return c
}

func newGauge(reg prometheus.Registerer, name, help string, labels prometheus.Labels) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	if reg != nil {
		reg.Register(g) //nolint:errcheck
	}
	return g
}

func (h *healthTracker) setState(s PortState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.stateGauge.Set(float64(s))
}

func (h *healthTracker) getState() PortState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *healthTracker) recordResult(success bool, errMsg string) {
	h.mu.Lock()
	h.total++
	h.window[h.windowPos] = success
	h.windowPos = (h.windowPos + 1) % h.windowSize
	if h.windowPos == 0 {
		h.windowFilled = true
	}
	if success {
		h.lastSuccess = time.Now()
	} else {
		h.failed++
		h.lastError = errMsg
	}
	h.mu.Unlock()

	h.commandsTotal.Inc()
	if !success {
		h.commandsFailed.Inc()
	}
}

func (h *healthTracker) recordReconnect() {
	h.mu.Lock()
	h.reconnectCount++
	h.mu.Unlock()
	h.reconnects.Inc()
}

func (h *healthTracker) recordBurst() {
	h.mu.Lock()
	h.burstCount++
	h.mu.Unlock()
	h.bursts.Inc()
}

func (h *healthTracker) setManualDegraded(v bool) {
	h.mu.Lock()
	h.degradedManual = v
	h.mu.Unlock()
}

// errorRate returns the fraction of failures in the rolling window.
func (h *healthTracker) errorRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorRateLocked()
}

func (h *healthTracker) errorRateLocked() float64 {
	n := h.windowPos
	if h.windowFilled {
		n = h.windowSize
	}
	if n == 0 {
		return 0
	}
	fails := 0
	for i := 0; i < n; i++ {
		if !h.window[i] {
			fails++
		}
	}
	return float64(fails) / float64(n)
}

// degradedByPolicy implements spec §4.1's Degraded condition: error rate in
// [0.25, 0.5], or no success for 5 minutes, or the manual flag.
func (h *healthTracker) degradedByPolicy() bool {
	h.mu.Lock()
	manual := h.degradedManual
	lastSuccess := h.lastSuccess
	rate := h.errorRateLocked()
	h.mu.Unlock()

	if manual {
		return true
	}
	if rate >= 0.25 && rate <= 0.5 {
		return true
	}
	if !lastSuccess.IsZero() && time.Since(lastSuccess) > 5*time.Minute {
		return true
	}
	return false
}

func (h *healthTracker) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		State:          h.state,
		TotalCommands:  h.total,
		FailedCommands: h.failed,
		ErrorRate:      h.errorRateLocked(),
		LastSuccess:    h.lastSuccess,
		ReconnectCount: h.reconnectCount,
		BurstCount:     h.burstCount,
		LastError:      h.lastError,
	}
}
