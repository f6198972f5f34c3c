package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDescriptor(name string) Descriptor {
	return Descriptor{
		Name:                 name,
		Mode:                 ModeContinuous,
		SampleRateHz:         1000,
		MaxConsecutiveErrors: 3,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRunnerDeliversReadings(t *testing.T) {
	got := make(chan Reading, 16)
	drv := &FakeDriver{Name: "cuff"}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), func(rd Reading) {
		select {
		case got <- rd:
		default:
		}
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	select {
	case rd := <-got:
		assert.Equal(t, "cuff", rd.Sensor)
		assert.False(t, rd.Timestamp.IsZero())
		assert.Contains(t, rd.Values, "value")
	case <-time.After(2 * time.Second):
		t.Fatal("no reading delivered")
	}

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "cuff", latest.Sensor)
}

func TestRunnerTimeoutIsNotAnError(t *testing.T) {
	drv := &FakeDriver{
		Name: "cuff",
		ReadFunc: func(ctx context.Context) (RawSample, error) {
			return nil, nil // hardware never ready
		},
	}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())

	waitFor(t, func() bool { return r.Stats().Timeouts > 10 })
	st := r.Stats()
	assert.Zero(t, st.Errors)
	assert.False(t, st.Failed)
	r.Stop()
}

func TestRunnerStopsAtErrorCeiling(t *testing.T) {
	drv := &FakeDriver{
		Name: "cuff",
		ProcessFunc: func(raw RawSample) (*Reading, error) {
			return nil, errors.New("garbage sample")
		},
	}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())

	waitFor(t, func() bool { return r.Stats().Failed })
	st := r.Stats()
	assert.Equal(t, uint64(3), st.Errors)
	// loop cleans up after itself when it fails
	waitFor(t, func() bool { return drv.CleanupCalls.Load() == 1 })
}

func TestRunnerSuccessResetsCounters(t *testing.T) {
	n := 0
	drv := &FakeDriver{Name: "cuff"}
	drv.ProcessFunc = func(raw RawSample) (*Reading, error) {
		n++
		if n%3 != 0 { // two failures, then a success, forever
			return nil, errors.New("bad")
		}
		return &Reading{Values: map[string]float64{"value": 1}}, nil
	}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	waitFor(t, func() bool { return r.Stats().Errors > 6 })
	st := r.Stats()
	assert.False(t, st.Failed, "ceiling of 3 must never be hit with resets every 2 errors")
}

func TestRunnerValidityHookRejects(t *testing.T) {
	drv := &FakeDriver{
		Name:      "cuff",
		ValidFunc: func(raw RawSample) bool { return false },
	}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())

	waitFor(t, func() bool { return r.Stats().Failed })
	_, ok := r.Latest()
	assert.False(t, ok, "rejected readings must not become latest")
}

func TestRunnerSurvivesDriverPanic(t *testing.T) {
	drv := &FakeDriver{
		Name: "cuff",
		ProcessFunc: func(raw RawSample) (*Reading, error) {
			panic("driver bug")
		},
	}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())

	// panics are contained and counted as errors until the ceiling stops
	// the sensor; nothing crashes the test binary
	waitFor(t, func() bool { return r.Stats().Failed })
	assert.Equal(t, uint64(3), r.Stats().Errors)
}

func TestRunnerStopIsIdempotent(t *testing.T) {
	drv := &FakeDriver{Name: "cuff"}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
	assert.Equal(t, int32(1), drv.CleanupCalls.Load())
}

func TestRunnerStartTwice(t *testing.T) {
	drv := &FakeDriver{Name: "cuff"}
	r := NewRunner(drv, testDescriptor("cuff"), zap.NewNop(), nil)
	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
	r.Stop()
}
