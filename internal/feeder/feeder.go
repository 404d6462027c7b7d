// Package feeder implements the inverter feeder (spec component F): a
// Modbus-RTU slave that owns the inverter-facing serial port and republishes
// the power-control transform's output into its process image on a fixed
// cadence.
package feeder

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
	"github.com/devskill-org/grid-shadow-compensator/internal/meter"
	"github.com/devskill-org/grid-shadow-compensator/internal/transform"
)

// Alert keys raised by this component.
const (
	AlertRTUDown         = "INVERTER_RTU_DOWN"
	AlertWaitingForMeter = "INVERTER_FEEDER_WAITING_FOR_METER"
	AlertStaleInput      = "INVERTER_FEEDER_STALE_INPUT"
	AlertWriteFail       = "INVERTER_WRITE_FAIL"
	AlertOutputStale     = "INVERTER_OUTPUT_STALE"
)

// Config carries the inverter-bus and feeder timing parameters (spec §6).
type Config struct {
	Port          string
	BaudRate      uint
	SlaveID       uint8
	InitRegisters int

	MaxSMAgeForWriteMs       int64
	OutStaleMs               int64
	DeferOpenUntilFirstFrame bool
	RepublishOnStale         bool
}

// DefaultConfig returns the spec's documented defaults for the inverter bus.
func DefaultConfig() Config {
	return Config{
		BaudRate:                 9600,
		SlaveID:                  1,
		InitRegisters:            400,
		MaxSMAgeForWriteMs:       60000,
		OutStaleMs:               30000,
		DeferOpenUntilFirstFrame: true,
		RepublishOnStale:         true,
	}
}

// Logger is the narrow interface the feeder needs for diagnostics.
type Logger interface {
	Printf(format string, v ...interface{})
}

// server is the slice of *modbus.Server this package depends on, narrowed so
// tests can inject a fake.
type server interface {
	Start() error
	Stop() error
}

// Feeder owns the inverter-facing serial port and its process image.
type Feeder struct {
	cfg        Config
	xform      transform.Config
	alerts     *alert.Engine
	logger     Logger
	snapshotFn func() meter.Snapshot
	deltaFn    func() float64
	nowMs      func() int64
	stat       func(name string) (os.FileInfo, error)
	dial       func(cfg Config, handler modbus.RequestHandler) (server, error)

	imageLock sync.RWMutex
	up        bool
	srv       server
	holding   []uint16
	input     []uint16
	lastWriteAtMs int64
	haveOutput    bool
}

// NewFeeder builds a Feeder. snapshotFn returns the latest meter snapshot
// (component C); deltaFn returns the current compensation set-point in kW
// (component D, already safety-gated).
func NewFeeder(cfg Config, xform transform.Config, alerts *alert.Engine, logger Logger, snapshotFn func() meter.Snapshot, deltaFn func() float64) *Feeder {
	f := &Feeder{
		cfg:        cfg,
		xform:      xform,
		alerts:     alerts,
		logger:     logger,
		snapshotFn: snapshotFn,
		deltaFn:    deltaFn,
		nowMs:      func() int64 { return time.Now().UnixMilli() },
		stat:       os.Stat,
		dial:       dialRTUServer,
	}
	n := cfg.InitRegisters
	if n < 1 {
		n = 400
	}
	f.holding = make([]uint16, n)
	f.input = make([]uint16, n)
	return f
}

// dialRTUServer opens the real RTU slave, wired as the request handler.
func dialRTUServer(cfg Config, handler modbus.RequestHandler) (server, error) {
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("rtu://%s", cfg.Port),
		Speed:      cfg.BaudRate,
		Timeout:    2 * time.Second,
		MaxClients: 1,
	}, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// State reports whether the slave is currently up.
func (f *Feeder) State() (up bool) {
	f.imageLock.RLock()
	defer f.imageLock.RUnlock()
	return f.up
}

// LastOutputImage returns a copy of the currently published holding-register
// bank, for the status assembler.
func (f *Feeder) LastOutputImage() []uint16 {
	f.imageLock.RLock()
	defer f.imageLock.RUnlock()
	out := make([]uint16, len(f.holding))
	copy(out, f.holding)
	return out
}

// LastWriteAtMs returns the epoch-ms timestamp of the last successful
// publish, or 0 if none has happened yet.
func (f *Feeder) LastWriteAtMs() int64 {
	f.imageLock.RLock()
	defer f.imageLock.RUnlock()
	return f.lastWriteAtMs
}

// EnsureOpen is the `ensure_open` scheduled task (spec §4.F), fixed-delay
// every 5s.
func (f *Feeder) EnsureOpen() {
	f.imageLock.Lock()
	up := f.up
	portGone := up && !f.devicePresentLocked()
	f.imageLock.Unlock()

	if portGone {
		f.closeAndRaiseDown()
		return
	}
	if up {
		return
	}

	if f.cfg.DeferOpenUntilFirstFrame {
		snap := f.snapshotFn()
		if snap.AcquiredAtMs == 0 {
			return
		}
	}

	if err := f.open(); err != nil {
		f.logf("open %s failed: %v", f.cfg.Port, err)
		f.alerts.Raise(AlertRTUDown, err.Error(), alert.Error)
		return
	}

	f.logf("inverter RTU slave up on %s", f.cfg.Port)
	f.alerts.Resolve(AlertRTUDown)
	f.publish(f.buildInitialFrame())
}

func (f *Feeder) logf(format string, v ...interface{}) {
	if f.logger != nil {
		f.logger.Printf(format, v...)
	}
}

func (f *Feeder) devicePresentLocked() bool {
	if f.cfg.Port == "" {
		return false
	}
	_, err := f.stat(f.cfg.Port)
	return err == nil
}

func (f *Feeder) open() error {
	srv, err := f.dial(f.cfg, &requestHandler{f: f})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	f.imageLock.Lock()
	f.srv = srv
	f.up = true
	n := f.cfg.InitRegisters
	if n < 1 {
		n = 400
	}
	if len(f.holding) < n {
		f.holding = make([]uint16, n)
	}
	if len(f.input) < n {
		f.input = make([]uint16, n)
	}
	for i := range f.holding {
		f.holding[i] = 0
	}
	for i := range f.input {
		f.input[i] = 0
	}
	f.imageLock.Unlock()

	return nil
}

// buildInitialFrame returns the all-zero frame used for the first publish
// right after a fresh open.
func (f *Feeder) buildInitialFrame() []uint16 {
	n := f.cfg.InitRegisters
	if n < 1 {
		n = 400
	}
	return make([]uint16, n)
}

// Tick is the `tick` scheduled task (spec §4.F), fixed-rate every 1s.
func (f *Feeder) Tick() {
	if !f.State() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			f.logf("tick recovered from panic: %v", r)
			f.alerts.Raise(AlertWriteFail, fmt.Sprintf("tick panic: %v", r), alert.Warn)
			f.stopSlave()
		}
	}()

	snap := f.snapshotFn()
	now := f.nowMs()

	if snap.AcquiredAtMs == 0 {
		f.alerts.Raise(AlertWaitingForMeter, "no meter snapshot yet", alert.Warn)
		if f.cfg.RepublishOnStale {
			f.republish()
		}
		return
	}

	age := now - snap.AcquiredAtMs
	if age > f.cfg.MaxSMAgeForWriteMs {
		f.alerts.Raise(AlertStaleInput, fmt.Sprintf("meter snapshot age %dms exceeds %dms", age, f.cfg.MaxSMAgeForWriteMs), alert.Error)
		if f.cfg.RepublishOnStale {
			f.republish()
		}
		return
	}

	f.alerts.Resolve(AlertWaitingForMeter)
	f.alerts.Resolve(AlertStaleInput)

	delta := f.deltaFn()
	frame := transform.Prepare(snap, delta, now, f.xform)
	f.publish(frame)
}

// republish re-writes the last published frame without recomputing it, per
// the spec's republish-on-stale rule; last_write_at_ms still advances.
func (f *Feeder) republish() {
	f.imageLock.RLock()
	haveOutput := f.haveOutput
	last := make([]uint16, len(f.holding))
	copy(last, f.holding)
	f.imageLock.RUnlock()

	if !haveOutput {
		return
	}
	f.publish(last)
}

// publish atomically writes frame into both register banks, padding the tail
// with zeros up to max(init_registers, len(frame)).
func (f *Feeder) publish(frame []uint16) {
	n := f.cfg.InitRegisters
	if n < 1 {
		n = 400
	}
	if len(frame) > n {
		n = len(frame)
	}

	f.imageLock.Lock()
	defer f.imageLock.Unlock()

	if len(f.holding) != n {
		f.holding = make([]uint16, n)
	}
	if len(f.input) != n {
		f.input = make([]uint16, n)
	}
	for i := 0; i < n; i++ {
		var v uint16
		if i < len(frame) {
			v = frame[i]
		}
		f.holding[i] = v
		f.input[i] = v
	}
	f.haveOutput = true
	f.lastWriteAtMs = f.nowMs()
}

// WatchOutputStaleness is the output watchdog task (spec §4.F), scheduled
// every 2s after a 5s initial delay. It does nothing until the first
// successful publish has happened.
func (f *Feeder) WatchOutputStaleness() {
	f.imageLock.RLock()
	haveOutput := f.haveOutput
	lastWrite := f.lastWriteAtMs
	f.imageLock.RUnlock()

	if !haveOutput {
		return
	}

	now := f.nowMs()
	if now-lastWrite > f.cfg.OutStaleMs {
		f.alerts.Raise(AlertOutputStale, fmt.Sprintf("no publish in %dms", now-lastWrite), alert.Error)
	} else {
		f.alerts.Resolve(AlertOutputStale)
	}
}

func (f *Feeder) closeAndRaiseDown() {
	f.stopSlave()
	f.alerts.Raise(AlertRTUDown, "inverter device path vanished", alert.Error)
}

func (f *Feeder) stopSlave() {
	f.imageLock.Lock()
	srv := f.srv
	f.srv = nil
	f.up = false
	f.imageLock.Unlock()

	if srv != nil {
		_ = srv.Stop()
	}
}

// Close shuts the slave down quietly, for use during graceful shutdown.
func (f *Feeder) Close() {
	f.stopSlave()
}

// requestHandler adapts Feeder's register banks to simonvetter/modbus's
// RequestHandler capability. The banks are read-only from the bus's
// perspective: writes are rejected, publishing only happens from
// EnsureOpen and Tick.
type requestHandler struct {
	f *Feeder
}

func (h *requestHandler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *requestHandler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *requestHandler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.UnitId != h.f.cfg.SlaveID {
		return nil, modbus.ErrIllegalFunction
	}
	if req.IsWrite {
		return nil, modbus.ErrIllegalFunction
	}
	return h.readBank(&h.f.imageLock, h.f.holding, req.Addr, req.Quantity)
}

func (h *requestHandler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if req.UnitId != h.f.cfg.SlaveID {
		return nil, modbus.ErrIllegalFunction
	}
	return h.readBank(&h.f.imageLock, h.f.input, req.Addr, req.Quantity)
}

func (h *requestHandler) readBank(lock *sync.RWMutex, bank []uint16, addr uint16, quantity uint16) ([]uint16, error) {
	lock.RLock()
	defer lock.RUnlock()

	if int(addr)+int(quantity) > len(bank) {
		return nil, modbus.ErrIllegalDataAddress
	}
	out := make([]uint16, quantity)
	copy(out, bank[addr:int(addr)+int(quantity)])
	return out, nil
}
