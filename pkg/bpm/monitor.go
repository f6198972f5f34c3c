// Package bpm sequences a non-invasive oscillometric blood-pressure
// measurement: safety check, inflation, passive deflation with waveform
// capture, and analysis. It is the only owner of the pump and valve outputs.
package bpm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
)

// ErrBusy reports that a measurement is already in flight; requests are
// rejected, never queued.
var ErrBusy = errors.New("measurement already in progress")

// ErrAborted reports a user-requested stop, which ends in Idle rather than
// Error.
var ErrAborted = errors.New("measurement aborted")

// SafetyError is a breached hardware limit. It always routes through
// EmergencyDeflate and is never retried within the same measurement.
type SafetyError struct {
	Reason string
}

func (e *SafetyError) Error() string { return "safety violation: " + e.Reason }

// PressureSource delivers calibrated cuff pressure. ReadPressure blocks at
// the ADC's native rate, bounded by its hardware-readiness timeout;
// ReadPressureStable averages several conversions for the zero check.
type PressureSource interface {
	ReadPressure(ctx context.Context) (float64, error)
	ReadPressureStable(ctx context.Context) (float64, error)
}

// Limits are the hard safety bounds for one measurement.
type Limits struct {
	MaxPressureMmHg     float64
	InflateTargetMmHg   float64
	DeflateEndpointMmHg float64
	ZeroAbortMmHg       float64
	ZeroWarnMmHg        float64
	StallMinRiseMmHg    float64
	MaxInflateTime      time.Duration
	DeflateTimeout      time.Duration
	StallWindow         time.Duration
	SettleTime          time.Duration
}

func LimitsFromConfig(cfg config.SafetyConfig) Limits {
	return Limits{
		MaxPressureMmHg:     cfg.MaxPressureMmHg,
		InflateTargetMmHg:   cfg.InflateTargetMmHg,
		DeflateEndpointMmHg: cfg.DeflateEndpointMmHg,
		ZeroAbortMmHg:       cfg.ZeroAbortMmHg,
		ZeroWarnMmHg:        cfg.ZeroWarnMmHg,
		StallMinRiseMmHg:    cfg.StallMinRiseMmHg,
		MaxInflateTime:      secs(cfg.MaxInflateTimeS),
		DeflateTimeout:      secs(cfg.DeflateTimeoutS),
		StallWindow:         secs(cfg.StallWindowS),
		SettleTime:          secs(cfg.SettleTimeS),
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Status is a consistent snapshot for pollers on any goroutine.
type Status struct {
	Measuring    bool    `json:"is_measuring"`
	Phase        Phase   `json:"-"`
	PhaseName    string  `json:"phase"`
	PressureMmHg float64 `json:"pressure_mmhg"`
	Progress     float64 `json:"progress"`
}

// CompletionFunc receives the outcome of a measurement attempt, exactly once
// per attempt, on the measurement goroutine.
type CompletionFunc func(success bool, result *analysis.Result, err error)

const (
	defaultPollInterval = 25 * time.Millisecond

	// joinTimeout bounds how long Stop waits for the worker; fail-safe
	// outputs are applied whether or not it exits in time.
	joinTimeout = 10 * time.Second
)

// Monitor runs the measurement state machine. One measurement at a time; the
// caller is never blocked for the 30-90s an attempt can take.
type Monitor struct {
	src        PressureSource
	hw         Actuators
	limits     Limits
	settings   analysis.Settings
	logger     *zap.Logger
	clk        clock.Clock
	poll       time.Duration
	onComplete CompletionFunc

	// analyze is swappable so state-machine tests need no waveform
	analyze func([]analysis.Sample, analysis.Settings) (*analysis.Result, error)

	mu         sync.Mutex
	measuring  bool
	phase      Phase
	pressure   float64
	progress   float64
	lastResult *analysis.Result
	abort      chan struct{}
	aborted    bool
	done       chan struct{}
}

func NewMonitor(src PressureSource, hw Actuators, limits Limits, settings analysis.Settings,
	logger *zap.Logger, onComplete CompletionFunc,
) *Monitor {
	return &Monitor{
		src:        src,
		hw:         hw,
		limits:     limits,
		settings:   settings,
		logger:     logger.Named("bpm"),
		clk:        clock.New(),
		poll:       defaultPollInterval,
		onComplete: onComplete,
		analyze:    analysis.Analyze,
		phase:      PhaseIdle,
	}
}

// SetClock replaces the wall clock, for tests. Call before Start.
func (m *Monitor) SetClock(clk clock.Clock) { m.clk = clk }

// SetPollInterval adjusts the inflate-loop poll period. Call before Start.
func (m *Monitor) SetPollInterval(d time.Duration) { m.poll = d }

// Start launches one measurement attempt in the background. A second Start
// while one is active is an error, not a queued request.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measuring {
		return ErrBusy
	}
	m.measuring = true
	m.phase = PhaseSafetyCheck
	m.pressure = 0
	m.progress = 0
	m.abort = make(chan struct{})
	m.aborted = false
	m.done = make(chan struct{})
	go m.run(m.abort, m.done)
	return nil
}

// Stop aborts an in-flight measurement through EmergencyDeflate and joins
// the worker with a bounded wait. Stopping while idle is a no-op that never
// touches hardware outputs.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.measuring {
		m.mu.Unlock()
		return
	}
	if !m.aborted {
		m.aborted = true
		close(m.abort)
	}
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-m.clk.After(joinTimeout):
		m.logger.Error("measurement worker did not exit in time, forcing fail-safe outputs")
		m.failSafe()
	}
}

// Status returns a consistent snapshot, safe from any goroutine.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Measuring:    m.measuring,
		Phase:        m.phase,
		PhaseName:    m.phase.String(),
		PressureMmHg: m.pressure,
		Progress:     m.progress,
	}
}

// LastResult returns the most recent measurement result, if any.
func (m *Monitor) LastResult() *analysis.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastResult == nil {
		return nil
	}
	out := *m.lastResult
	return &out
}

// run is the one-shot measurement worker. Every path out of it leaves the
// pump off and the valve open, and fires the completion callback exactly
// once.
func (m *Monitor) run(abort <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := m.measure(ctx, abort)

	// fail-safe default on every exit path, including panics inside
	// measure
	m.failSafe()

	final := PhaseComplete
	switch {
	case err == nil:
	case errors.Is(err, ErrAborted):
		final = PhaseIdle
	default:
		final = PhaseError
	}

	m.mu.Lock()
	m.phase = final
	m.measuring = false
	m.progress = 1
	if result != nil {
		m.lastResult = result
	}
	cb := m.onComplete
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("measurement ended without result", zap.Error(err))
	} else {
		m.logger.Info("measurement complete",
			zap.Float64("systolic", result.Systolic),
			zap.Float64("diastolic", result.Diastolic),
			zap.Float64("map", result.MAP),
			zap.Bool("is_valid", result.IsValid))
	}
	if cb != nil {
		cb(err == nil, result, err)
	}
}

func (m *Monitor) measure(ctx context.Context, abort <-chan struct{}) (result *analysis.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("panic during measurement", zap.Any("panic", rec))
			err = errors.Errorf("measurement panic: %v", rec)
		}
	}()

	if err := m.safetyCheck(ctx, abort); err != nil {
		return nil, m.handleAbnormal(err)
	}
	if err := m.inflate(ctx, abort); err != nil {
		return nil, m.handleAbnormal(err)
	}
	trace, err := m.deflate(ctx, abort)
	if err != nil {
		return nil, m.handleAbnormal(err)
	}

	m.setPhase(PhaseAnalyzing, 0.95)
	res, err := m.analyze(trace, m.settings)
	if err != nil {
		return nil, errors.Wrap(err, "analysis failed")
	}
	m.setPhase(PhaseComplete, 1)
	return res, nil
}

// handleAbnormal routes safety violations and user aborts through the
// emergency deflate sequence before the error propagates.
func (m *Monitor) handleAbnormal(err error) error {
	var se *SafetyError
	if errors.As(err, &se) || errors.Is(err, ErrAborted) {
		m.emergencyDeflate()
	}
	return err
}

// emergencyDeflate stops the pump, opens the valve and holds there for the
// settle time so the cuff is actually empty before anything else happens.
func (m *Monitor) emergencyDeflate() {
	m.setPhase(PhaseEmergencyDeflate, m.progressLocked())
	m.logger.Warn("emergency deflate")
	m.failSafe()
	<-m.clk.After(m.limits.SettleTime)
}

// failSafe forces the outputs to their safe positions: pump off, valve
// open. Output errors are logged, not propagated, because there is nothing
// safer left to do.
func (m *Monitor) failSafe() {
	if err := m.hw.PumpOff(); err != nil {
		m.logger.Error("pump off failed", zap.Error(err))
	}
	if err := m.hw.ValveOpen(); err != nil {
		m.logger.Error("valve open failed", zap.Error(err))
	}
}

// safetyCheck verifies the cuff starts at atmospheric pressure. A large
// zero offset means a pressurized cuff or calibration drift, neither a safe
// starting condition.
func (m *Monitor) safetyCheck(ctx context.Context, abort <-chan struct{}) error {
	m.setPhase(PhaseSafetyCheck, 0.02)
	if err := m.hw.PumpOff(); err != nil {
		return errors.Wrap(err, "pump off")
	}
	if err := m.hw.ValveOpen(); err != nil {
		return errors.Wrap(err, "valve open")
	}
	if err := m.wait(m.limits.SettleTime, abort); err != nil {
		return err
	}

	zero, err := m.src.ReadPressureStable(ctx)
	if err != nil {
		if isAborted(abort) {
			return ErrAborted
		}
		return errors.Wrap(err, "zero pressure read")
	}
	m.setPressure(zero, 0.05)

	if math.Abs(zero) > m.limits.ZeroAbortMmHg {
		return &SafetyError{Reason: errors.Errorf(
			"zero pressure %.1f mmHg exceeds %.1f, cuff pressurized or calibration drifted",
			zero, m.limits.ZeroAbortMmHg).Error()}
	}
	if math.Abs(zero) > m.limits.ZeroWarnMmHg {
		m.logger.Warn("zero pressure drift", zap.Float64("pressure_mmhg", zero))
	}
	return nil
}

// inflate closes the valve and pumps until the target, watching the hard
// limits on every poll.
func (m *Monitor) inflate(ctx context.Context, abort <-chan struct{}) error {
	m.setPhase(PhaseInflating, 0.05)
	if err := m.hw.ValveClose(); err != nil {
		return errors.Wrap(err, "valve close")
	}
	if err := m.hw.PumpOn(); err != nil {
		return errors.Wrap(err, "pump on")
	}
	m.logger.Info("inflating", zap.Float64("target_mmhg", m.limits.InflateTargetMmHg))

	start := m.clk.Now()
	stall := newStallDetector(m.limits.StallWindow, m.limits.StallMinRiseMmHg)
	for {
		if isAborted(abort) {
			return ErrAborted
		}
		p, err := m.src.ReadPressure(ctx)
		if err != nil {
			if isAborted(abort) {
				return ErrAborted
			}
			// transient; the time limit bounds how long this can go on
			m.logger.Debug("inflate read failed", zap.Error(err))
		} else {
			frac := p / m.limits.InflateTargetMmHg
			m.setPressure(p, 0.05+0.35*clamp01(frac))

			if p > m.limits.MaxPressureMmHg {
				return &SafetyError{Reason: errors.Errorf(
					"pressure %.1f mmHg exceeds ceiling %.1f", p, m.limits.MaxPressureMmHg).Error()}
			}
			if stall.Add(m.clk.Now(), p) {
				return &SafetyError{Reason: errors.Errorf(
					"no pressure rise for %s while pumping", m.limits.StallWindow).Error()}
			}
			if p >= m.limits.InflateTargetMmHg {
				m.logger.Info("inflation target reached", zap.Float64("pressure_mmhg", p))
				return nil
			}
		}
		if m.clk.Since(start) > m.limits.MaxInflateTime {
			return &SafetyError{Reason: errors.Errorf(
				"inflation exceeded %s", m.limits.MaxInflateTime).Error()}
		}
		if err := m.wait(m.poll, abort); err != nil {
			return err
		}
	}
}

// deflate opens the valve for a passive bleed-down and records every sample
// at the ADC's native rate. Collection ends at the low endpoint or at the
// deflation timeout, whichever comes first; the trace collected so far is
// analyzed either way.
func (m *Monitor) deflate(ctx context.Context, abort <-chan struct{}) ([]analysis.Sample, error) {
	m.setPhase(PhaseDeflating, 0.4)
	if err := m.hw.PumpOff(); err != nil {
		return nil, errors.Wrap(err, "pump off")
	}
	if err := m.hw.ValveOpen(); err != nil {
		return nil, errors.Wrap(err, "valve open")
	}
	m.logger.Info("deflating", zap.Float64("endpoint_mmhg", m.limits.DeflateEndpointMmHg))

	start := m.clk.Now()
	top := m.limits.InflateTargetMmHg
	span := top - m.limits.DeflateEndpointMmHg
	trace := make([]analysis.Sample, 0, 4096)
	for {
		if isAborted(abort) {
			return nil, ErrAborted
		}
		if m.clk.Since(start) > m.limits.DeflateTimeout {
			m.logger.Warn("deflation timeout, analyzing partial trace",
				zap.Int("points", len(trace)))
			return trace, nil
		}
		p, err := m.src.ReadPressure(ctx)
		if err != nil {
			if isAborted(abort) {
				return nil, ErrAborted
			}
			m.logger.Debug("deflate read failed", zap.Error(err))
			if err := m.wait(m.poll, abort); err != nil {
				return nil, err
			}
			continue
		}
		trace = append(trace, analysis.Sample{
			Elapsed:  m.clk.Since(start).Seconds(),
			Pressure: p,
		})
		m.setPressure(p, 0.4+0.5*clamp01((top-p)/span))

		if p <= m.limits.DeflateEndpointMmHg {
			m.logger.Info("deflation endpoint reached", zap.Int("points", len(trace)))
			return trace, nil
		}
	}
}

func (m *Monitor) wait(d time.Duration, abort <-chan struct{}) error {
	select {
	case <-abort:
		return ErrAborted
	case <-m.clk.After(d):
		return nil
	}
}

func isAborted(abort <-chan struct{}) bool {
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

func (m *Monitor) setPhase(p Phase, progress float64) {
	m.mu.Lock()
	m.phase = p
	m.progress = progress
	m.mu.Unlock()
	m.logger.Debug("phase", zap.Stringer("phase", p))
}

func (m *Monitor) setPressure(p, progress float64) {
	m.mu.Lock()
	m.pressure = p
	m.progress = progress
	m.mu.Unlock()
}

func (m *Monitor) progressLocked() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
