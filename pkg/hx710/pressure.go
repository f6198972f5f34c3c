package hx710

import (
	"context"

	"github.com/pkg/errors"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/calibration"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

// ReadingKey is the field name pressure readings are published under.
const ReadingKey = "pressure_mmhg"

// PressureDriver adapts a Dev plus its calibration into the sensor lifecycle
// contract and into the pressure source the measurement state machine polls.
type PressureDriver struct {
	dev         *Dev
	cal         calibration.Params
	name        string
	avgSamples  int
	discard     bool
	initialized bool
}

func NewPressureDriver(dev *Dev, cal calibration.Params, name string, avgSamples int, discardOutliers bool) *PressureDriver {
	if avgSamples <= 0 {
		avgSamples = 1
	}
	return &PressureDriver{dev: dev, cal: cal, name: name, avgSamples: avgSamples, discard: discardOutliers}
}

// Initialize wakes the chip. Idempotent: repeat calls re-issue the wake
// train, which the chip ignores when already awake.
func (p *PressureDriver) Initialize() error {
	if err := p.dev.Wake(); err != nil {
		return errors.Wrap(err, "wake adc")
	}
	p.initialized = true
	return nil
}

// ReadRaw blocks up to the device timeout for a conversion. A timeout maps
// to (nil, nil), the lifecycle contract's "no data yet".
func (p *PressureDriver) ReadRaw(ctx context.Context) (sensor.RawSample, error) {
	counts, err := p.dev.ReadCounts(ctx)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return nil, nil
		}
		return nil, err
	}
	return counts, nil
}

// IsValidReading rejects rail-sitting conversions before Process sees them.
func (p *PressureDriver) IsValidReading(raw sensor.RawSample) bool {
	counts, ok := raw.(int32)
	return ok && !Saturated(counts)
}

func (p *PressureDriver) Process(raw sensor.RawSample) (*sensor.Reading, error) {
	counts, ok := raw.(int32)
	if !ok {
		return nil, errors.Errorf("unexpected raw sample type %T", raw)
	}
	return &sensor.Reading{
		Sensor: p.name,
		Values: map[string]float64{ReadingKey: p.cal.CountsToPressure(int64(counts))},
	}, nil
}

func (p *PressureDriver) Cleanup() error {
	p.initialized = false
	return p.dev.PowerDown()
}

// ReadPressure returns one calibrated sample at the ADC's native rate.
func (p *PressureDriver) ReadPressure(ctx context.Context) (float64, error) {
	counts, err := p.dev.ReadCounts(ctx)
	if err != nil {
		return 0, err
	}
	return p.cal.CountsToPressure(int64(counts)), nil
}

// ReadPressureStable returns an averaged, outlier-rejected sample for the
// zero-pressure safety check.
func (p *PressureDriver) ReadPressureStable(ctx context.Context) (float64, error) {
	counts, err := p.dev.ReadAverage(ctx, p.avgSamples, p.discard)
	if err != nil {
		return 0, err
	}
	return p.cal.CountsToPressureFloat(counts), nil
}
