// Package hx710 drives an HX710-style 24-bit differential ADC over two
// bit-banged GPIO lines. The chip has no SPI/I2C peripheral: a conversion is
// announced by the data line going low, then each of 24 clock pulses shifts
// out one bit, MSB first, and one extra pulse primes the next conversion.
package hx710

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

const (
	frameBits = 24

	// clock half-period. The chip samples its clock input asynchronously;
	// anything above ~200ns works, and staying around a microsecond keeps
	// the clock-high phase far from the 60us power-down threshold.
	pulseWidth = time.Microsecond

	// wake-up pulse train length after power-up
	wakePulses = 4

	// polling granularity while waiting for the data-ready line
	readyPollInterval = 100 * time.Microsecond

	// DefaultReadTimeout bounds the wait for a conversion. At the chip's
	// slowest rate (10 SPS) a conversion takes at most ~100ms.
	DefaultReadTimeout = 200 * time.Millisecond
)

// ErrNotReady reports that no conversion completed within the read timeout.
// It is the "no data yet" outcome, not a hardware failure.
var ErrNotReady = errors.New("hx710: conversion not ready")

// Dev is a single HX710 on a pair of GPIO lines.
type Dev struct {
	data    gpio.PinIO
	clk     gpio.PinIO
	timeout time.Duration
	logger  *zap.Logger
}

// New configures the two lines and returns the device. The data line is set
// as an input with its chip-driven idle-high level, the clock as an output
// held low so the chip stays out of power-down.
func New(data, clk gpio.PinIO, timeout time.Duration, logger *zap.Logger) (*Dev, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := data.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrap(err, "configure data pin")
	}
	if err := clk.Out(gpio.Low); err != nil {
		return nil, errors.Wrap(err, "configure clock pin")
	}
	return &Dev{data: data, clk: clk, timeout: timeout, logger: logger}, nil
}

// NewFromRegistry looks the two lines up by gpioreg name.
func NewFromRegistry(dataName, clkName string, timeout time.Duration, logger *zap.Logger) (*Dev, error) {
	data := gpioreg.ByName(dataName)
	if data == nil {
		return nil, errors.Errorf("no GPIO named %q", dataName)
	}
	clk := gpioreg.ByName(clkName)
	if clk == nil {
		return nil, errors.Errorf("no GPIO named %q", clkName)
	}
	return New(data, clk, timeout, logger)
}

// Wake brings the chip out of power-down with a short clock-pulse train and
// leaves the clock low. Safe to call when already awake.
func (d *Dev) Wake() error {
	for i := 0; i < wakePulses; i++ {
		if err := d.pulse(); err != nil {
			return errors.Wrap(err, "wake pulse")
		}
	}
	return d.clk.Out(gpio.Low)
}

// PowerDown holds the clock line high, which the chip interprets as a
// power-down request after 60us.
func (d *Dev) PowerDown() error {
	return d.clk.Out(gpio.High)
}

// ReadCounts retrieves one signed 24-bit conversion. It blocks until the
// data-ready line goes low, bounded by the configured timeout and ctx;
// ErrNotReady is returned on timeout, never a protocol error.
func (d *Dev) ReadCounts(ctx context.Context) (int32, error) {
	if !d.waitReady(ctx) {
		return 0, ErrNotReady
	}

	var v uint32
	for i := 0; i < frameBits; i++ {
		if err := d.pulse(); err != nil {
			return 0, errors.Wrap(err, "clock pulse")
		}
		// The chip shifts the next bit out on the falling edge; reading
		// before the edge would yield the previous, stale bit.
		if d.data.Read() == gpio.High {
			v |= 1 << uint(frameBits-1-i)
		}
	}
	// one extra pulse primes the next conversion and returns the data
	// line high until it completes
	if err := d.pulse(); err != nil {
		return 0, errors.Wrap(err, "priming pulse")
	}

	return signExtend24(v), nil
}

// ReadAverage takes n conversions and averages them. With discardOutliers
// set, samples further than three median absolute deviations from the median
// are dropped first, which suppresses single-sample glitches without
// assuming Gaussian noise. Conversions that time out are skipped; if every
// one does, ErrNotReady is returned.
func (d *Dev) ReadAverage(ctx context.Context, n int, discardOutliers bool) (float64, error) {
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		c, err := d.ReadCounts(ctx)
		if err != nil {
			if errors.Is(err, ErrNotReady) {
				continue
			}
			return 0, err
		}
		samples = append(samples, float64(c))
	}
	if len(samples) == 0 {
		return 0, ErrNotReady
	}
	if discardOutliers {
		kept := rejectOutliers(samples)
		if dropped := len(samples) - len(kept); dropped > 0 {
			d.logger.Debug("discarded outlier samples", zap.Int("dropped", dropped))
		}
		samples = kept
	}
	return stat.Mean(samples, nil), nil
}

// Saturated reports whether a conversion sits at either rail of the 24-bit
// range, which means the amplifier input is out of range rather than a
// usable pressure.
func Saturated(counts int32) bool {
	const rail = 1<<(frameBits-1) - 1
	return counts >= rail || counts <= -rail
}

func (d *Dev) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(d.timeout)
	for {
		if d.data.Read() == gpio.Low {
			return true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(readyPollInterval)
	}
}

func (d *Dev) pulse() error {
	if err := d.clk.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(pulseWidth)
	if err := d.clk.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(pulseWidth)
	return nil
}

func signExtend24(v uint32) int32 {
	if v&(1<<(frameBits-1)) != 0 {
		v |= ^uint32(1<<frameBits - 1)
	}
	return int32(v)
}

// rejectOutliers drops samples whose absolute deviation from the median
// exceeds three times the median absolute deviation. A zero MAD (constant
// input) disables the filter for that batch.
func rejectOutliers(samples []float64) []float64 {
	if len(samples) < 3 {
		return samples
	}
	med := median(samples)
	devs := make([]float64, len(samples))
	for i, s := range samples {
		devs[i] = abs(s - med)
	}
	mad := median(devs)
	if mad == 0 {
		return samples
	}
	kept := samples[:0]
	for _, s := range samples {
		if abs(s-med) <= 3*mad {
			kept = append(kept, s)
		}
	}
	return kept
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
