package sensor

import (
	"context"
	"math/rand"
	"sync/atomic"
)

// FakeDriver is a scriptable driver used by tests and by simulation mode.
// Any of the hook functions may be nil, in which case a default applies:
// reads produce small random counts and Process maps them 1:1 into a
// "value" field.
type FakeDriver struct {
	Name        string
	ReadFunc    func(ctx context.Context) (RawSample, error)
	ProcessFunc func(raw RawSample) (*Reading, error)
	ValidFunc   func(raw RawSample) bool

	InitCalls    atomic.Int32
	CleanupCalls atomic.Int32
}

func (f *FakeDriver) Initialize() error {
	f.InitCalls.Add(1)
	return nil
}

func (f *FakeDriver) ReadRaw(ctx context.Context) (RawSample, error) {
	if f.ReadFunc != nil {
		return f.ReadFunc(ctx)
	}
	return int64(rand.Intn(1 << 12)), nil
}

func (f *FakeDriver) Process(raw RawSample) (*Reading, error) {
	if f.ProcessFunc != nil {
		return f.ProcessFunc(raw)
	}
	v, _ := raw.(int64)
	return &Reading{Sensor: f.Name, Values: map[string]float64{"value": float64(v)}}, nil
}

func (f *FakeDriver) IsValidReading(raw RawSample) bool {
	if f.ValidFunc != nil {
		return f.ValidFunc(raw)
	}
	return true
}

func (f *FakeDriver) Cleanup() error {
	f.CleanupCalls.Add(1)
	return nil
}
