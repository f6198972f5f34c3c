package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// joinTimeout bounds how long Stop waits for the loop goroutine before
// proceeding to Cleanup anyway.
const joinTimeout = 5 * time.Second

// Stats is a copy-out snapshot of a runner's error accounting.
type Stats struct {
	Timeouts     uint64
	Errors       uint64
	ConsecErrors int
	Failed       bool
}

// Runner owns one background goroutine that drives a Driver through the
// sampling loop: read, validate, process, publish. Timeouts (no data yet)
// never stop the sensor; consecutive processing errors past the configured
// ceiling do, marking the sensor failed.
type Runner struct {
	drv    Driver
	desc   Descriptor
	logger *zap.Logger
	clk    clock.Clock
	onData func(Reading)

	mu      sync.Mutex
	latest  *Reading
	stats   Stats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner builds a runner for drv. The callback, if non-nil, is invoked on
// the sampling goroutine for every successful reading.
func NewRunner(drv Driver, desc Descriptor, logger *zap.Logger, onData func(Reading)) *Runner {
	if desc.MaxConsecutiveErrors <= 0 {
		desc.MaxConsecutiveErrors = 5
	}
	return &Runner{
		drv:    drv,
		desc:   desc,
		logger: logger.Named(desc.Name),
		clk:    clock.New(),
		onData: onData,
	}
}

// SetClock replaces the wall clock, for tests. Must be called before Start.
func (r *Runner) SetClock(clk clock.Clock) { r.clk = clk }

func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.Errorf("sensor %s already running", r.desc.Name)
	}
	if err := r.drv.Initialize(); err != nil {
		return errors.Wrapf(err, "initialize sensor %s", r.desc.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.stats = Stats{}
	go r.loop(ctx)
	r.logger.Info("sensor started")
	return nil
}

// Stop signals the loop, joins it with a bounded wait and releases the
// hardware. Cleanup runs even when the join times out; leaving pins in a
// safe state takes priority over a clean goroutine exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-r.clk.After(joinTimeout):
		r.logger.Warn("sampling loop did not exit in time, cleaning up anyway")
	}
	if err := r.drv.Cleanup(); err != nil {
		r.logger.Warn("cleanup failed", zap.Error(err))
	}
	r.logger.Info("sensor stopped")
}

// Latest returns a copy of the most recent successful reading.
func (r *Runner) Latest() (Reading, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return Reading{}, false
	}
	out := *r.latest
	vals := make(map[string]float64, len(out.Values))
	for k, v := range out.Values {
		vals[k] = v
	}
	out.Values = vals
	return out, true
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	var interval time.Duration
	if r.desc.Mode == ModeContinuous && r.desc.SampleRateHz > 0 {
		interval = time.Duration(float64(time.Second) / r.desc.SampleRateHz)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if failed := r.step(ctx); failed {
			r.mu.Lock()
			r.stats.Failed = true
			r.running = false
			r.mu.Unlock()
			r.logger.Error("error ceiling reached, sensor marked failed",
				zap.Int("ceiling", r.desc.MaxConsecutiveErrors))
			if err := r.drv.Cleanup(); err != nil {
				r.logger.Warn("cleanup failed", zap.Error(err))
			}
			return
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.clk.After(interval):
			}
		}
	}
}

// step runs one sampling iteration and reports whether the error ceiling was
// reached. A panic anywhere in the driver counts as one error; no panic may
// escape the sampling goroutine.
func (r *Runner) step(ctx context.Context) (failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in sampling iteration", zap.Any("panic", rec))
			failed = r.recordError()
		}
	}()

	raw, err := r.drv.ReadRaw(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.logger.Debug("read failed", zap.Error(err))
		return r.recordError()
	}
	if raw == nil {
		// hardware not ready; recoverable, never fatal
		r.mu.Lock()
		r.stats.Timeouts++
		r.mu.Unlock()
		return false
	}
	if v, ok := r.drv.(Validator); ok && !v.IsValidReading(raw) {
		r.logger.Debug("reading rejected by validity check")
		return r.recordError()
	}
	reading, err := r.drv.Process(raw)
	if err != nil || reading == nil {
		r.logger.Debug("process rejected reading", zap.Error(err))
		return r.recordError()
	}

	if reading.Sensor == "" {
		reading.Sensor = r.desc.Name
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = r.clk.Now()
	}

	r.mu.Lock()
	r.latest = reading
	r.stats.ConsecErrors = 0
	r.stats.Timeouts = 0
	r.mu.Unlock()

	if r.onData != nil {
		r.onData(*reading)
	}
	return false
}

func (r *Runner) recordError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
	r.stats.ConsecErrors++
	return r.stats.ConsecErrors >= r.desc.MaxConsecutiveErrors
}
