package meter

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
)

// Alert keys raised by the meter reader (spec §7).
const (
	AlertMeterDisconnected = "METER_DISCONNECTED"
	AlertMeterStale        = "METER_STALE"
	AlertModbusUncaught    = "MODBUS_UNCAUGHT"
)

// State is one of the reader's lifecycle states.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateWarmup
	StateSteady
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateWarmup:
		return "WARMUP"
	case StateSteady:
		return "STEADY"
	case StateFailing:
		return "FAILING"
	default:
		return "UNKNOWN"
	}
}

// window is a contiguous register range read in one function-03 request.
type window struct {
	start int
	count int
}

// acrelWindows are the two targeted blocks the spec accepts as an
// alternative to a full 0..399 mirror: per-phase voltages/currents/
// frequency, and per-phase/total active power.
var acrelWindows = []window{
	{start: 97, count: 26},  // 97..122: voltages, currents, frequency
	{start: 356, count: 8},  // 356..363: per-phase + total power (i32be)
}

// Config holds the meter reader's tunables; names mirror spec.md §6.
type Config struct {
	Port                        string
	BaudRate                    int
	SlaveID                     byte
	PollIntervalMs              int64
	InitialOpenDelayMs          int64
	ReopenBackoffMs             int64
	WarmupMs                    int64
	TimeoutsBeforeReopen        int
	MeterStaleMs                int64
	StaleAlertMinPeriodMs       int64
	MaxWindowErrorsBeforeReopen int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BaudRate:                    9600,
		SlaveID:                     1,
		PollIntervalMs:              1000,
		InitialOpenDelayMs:          2000,
		ReopenBackoffMs:             5000,
		WarmupMs:                    1500,
		TimeoutsBeforeReopen:        3,
		MeterStaleMs:                10000,
		StaleAlertMinPeriodMs:       60000,
		MaxWindowErrorsBeforeReopen: 2,
	}
}

// Reader is the resilient Modbus-RTU master for the physical meter. It
// owns at most one open serial handle and runs a single poll worker; the
// latest snapshot is replaced atomically under mu and may be read by any
// number of consumers. Poll holds mu for the whole pass, including the
// port open and the Modbus requests, so readers wait while a pass runs.
type Reader struct {
	cfg    Config
	alerts *alert.Engine
	logger func(format string, args ...any)

	mu     sync.RWMutex
	latest Snapshot
	state  State
	port   io.Closer
	client modbus.Client

	consecutiveTimeouts int
	lastOpenAt          int64
	lastStaleAlertAt    int64
	backoffUntil        int64

	nowMs func() int64
	stat  func(path string) (os.FileInfo, error)
	dial  func(cfg Config) (modbus.Client, io.Closer, error)
}

// Logger matches the log.Logger.Printf signature so callers can pass a
// *log.Logger directly.
type Logger interface {
	Printf(format string, args ...any)
}

// NewReader creates a meter reader in the CLOSED state.
func NewReader(cfg Config, alerts *alert.Engine, logger Logger) *Reader {
	var logf func(string, ...any)
	if logger != nil {
		logf = logger.Printf
	} else {
		logf = func(string, ...any) {}
	}

	return &Reader{
		cfg:    cfg,
		alerts: alerts,
		logger: logf,
		state:  StateClosed,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
		stat:   os.Stat,
		dial:   dialRTU,
	}
}

// dialRTU is the production dial func: it opens the serial port and
// configures an RTU master against cfg.
func dialRTU(cfg Config) (modbus.Client, io.Closer, error) {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = 1200 * time.Millisecond

	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

// LatestSnapshot returns the most recently published snapshot. Safe for
// any number of concurrent callers; it waits while a Poll pass holds the
// lock.
func (r *Reader) LatestSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// State returns the reader's current lifecycle state.
func (r *Reader) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// ForceReopen implements the external "modbus crashed" signal: it closes
// any open port at once, and the next Poll call opens a fresh one.
func (r *Reader) ForceReopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	r.state = StateClosed
}

// Close releases the serial port, if open. Safe to call during shutdown.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	r.state = StateClosed
}

func (r *Reader) closeLocked() {
	if r.port != nil {
		_ = r.port.Close()
		r.port = nil
		r.client = nil
	}
}

// Poll runs one scheduled tick of the meter-reader state machine (spec
// §4.C). It blocks for at most the port-open overhead plus one per-request
// Modbus timeout for each register window, and never panics on transport
// errors.
func (r *Reader) Poll() {
	now := r.nowMs()

	r.mu.Lock()

	if now < r.backoffUntil {
		r.mu.Unlock()
		return
	}

	if !r.devicePresent() {
		r.closeLocked()
		r.state = StateFailing
		r.backoffUntil = now + r.cfg.ReopenBackoffMs
		port := r.cfg.Port
		r.mu.Unlock()
		r.alerts.Raise(AlertMeterDisconnected, fmt.Sprintf("device %s not present", port), alert.Error)
		return
	}

	staleAction := r.staleAlertActionLocked(now)

	if r.client == nil {
		if err := r.openLocked(now); err != nil {
			r.state = StateFailing
			r.backoffUntil = now + r.cfg.ReopenBackoffMs
			port := r.cfg.Port
			r.mu.Unlock()
			r.runStaleAction(staleAction)
			r.alerts.Raise(AlertMeterDisconnected, fmt.Sprintf("open %s: %v", port, err), alert.Error)
			return
		}
	}

	image := make([]uint16, ImageLen)
	failedWindows := 0

	for _, w := range acrelWindows {
		if err := r.readWindowLocked(image, w); err != nil {
			failedWindows++
			if isTimeout(err) {
				r.consecutiveTimeouts++
			}
		}
	}

	if failedWindows >= r.cfg.MaxWindowErrorsBeforeReopen {
		reopened := r.handlePassFailureLocked(now)
		r.mu.Unlock()
		r.runStaleAction(staleAction)
		if reopened {
			r.alerts.Raise(AlertMeterDisconnected, "meter poll pass failed", alert.Error)
		}
		return
	}

	r.latest = newSnapshot(image, now)
	r.consecutiveTimeouts = 0
	r.state = StateSteady
	r.mu.Unlock()

	r.runStaleAction(staleAction)
	r.alerts.Resolve(AlertMeterDisconnected)
	r.alerts.Resolve(AlertMeterStale)
	r.alerts.Resolve(AlertModbusUncaught)
}

// staleAlertKind is the outcome of the staleness check computed while
// holding the lock; the actual alert call happens afterwards.
type staleAlertKind int

const (
	staleNone staleAlertKind = iota
	staleRaise
	staleResolve
)

// staleAlertActionLocked decides whether METER_STALE should be raised or
// resolved, rate-limiting raises to once per StaleAlertMinPeriodMs.
// Callers must hold r.mu.
func (r *Reader) staleAlertActionLocked(now int64) staleAlertKind {
	if r.lastOpenAt == 0 {
		return staleNone // still pre-warmup, never opened
	}

	age := r.latest.Age(now)
	if age > r.cfg.MeterStaleMs {
		if now-r.lastStaleAlertAt >= r.cfg.StaleAlertMinPeriodMs {
			r.lastStaleAlertAt = now
			return staleRaise
		}
		return staleNone
	}
	return staleResolve
}

func (r *Reader) runStaleAction(kind staleAlertKind) {
	switch kind {
	case staleRaise:
		r.alerts.Raise(AlertMeterStale, "meter snapshot stale", alert.Error)
	case staleResolve:
		r.alerts.Resolve(AlertMeterStale)
	}
}

// openLocked opens the serial port and configures the RTU master. Callers
// must hold r.mu.
func (r *Reader) openLocked(now int64) error {
	r.state = StateOpening
	client, port, err := r.dial(r.cfg)
	if err != nil {
		return err
	}

	r.client = client
	r.port = port
	r.lastOpenAt = now
	r.state = StateWarmup
	return nil
}

// readWindowLocked reads one register window into image at its native
// offset. Callers must hold r.mu.
func (r *Reader) readWindowLocked(image []uint16, w window) error {
	data, err := r.client.ReadHoldingRegisters(uint16(w.start), uint16(w.count))
	if err != nil {
		return err
	}
	for i := 0; i < w.count && w.start+i < len(image); i++ {
		image[w.start+i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return nil
}

// handlePassFailureLocked implements the timeout/IO-error branch of the
// poll algorithm: during warmup a failed pass is tolerated in place;
// otherwise consecutive timeouts accumulate toward a forced reopen. It
// reports whether a reopen (and therefore an alert) happened; callers must
// hold r.mu and unlock it themselves before acting on the result.
func (r *Reader) handlePassFailureLocked(now int64) bool {
	inWarmup := now-r.lastOpenAt < r.cfg.WarmupMs
	if inWarmup {
		r.state = StateWarmup
		return false
	}

	reopen := r.consecutiveTimeouts >= r.cfg.TimeoutsBeforeReopen
	if reopen {
		r.closeLocked()
		r.state = StateFailing
		r.backoffUntil = now + r.cfg.ReopenBackoffMs
	}
	return reopen
}

func (r *Reader) devicePresent() bool {
	if r.cfg.Port == "" {
		return false
	}
	_, err := r.stat(r.cfg.Port)
	return err == nil
}

// isTimeout reports whether err looks like a request-level timeout rather
// than a hard transport failure. Only an error value that itself has a
// Timeout() bool method reporting true counts; wrapped errors are not
// unwrapped and error text is not inspected.
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
