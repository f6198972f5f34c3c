package hx710

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// simChip models the ADC end of the two-wire protocol: the data line sits
// high until a conversion is ready, goes low, then presents one bit after
// each falling clock edge, MSB first. The extra priming pulse returns the
// line high.
type simChip struct {
	mu        sync.Mutex
	frames    []uint32
	idx       int
	shifting  bool
	bitsOut   int
	cur       uint32
	dataLevel gpio.Level
	lastClk   gpio.Level
	pulses    int
}

func (c *simChip) readData() gpio.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shifting {
		if c.idx >= len(c.frames) {
			return gpio.High
		}
		c.cur = c.frames[c.idx] & 0xFFFFFF
		c.idx++
		c.shifting = true
		c.bitsOut = 0
		c.dataLevel = gpio.Low
	}
	return c.dataLevel
}

func (c *simChip) clockOut(l gpio.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == c.lastClk {
		return
	}
	c.lastClk = l
	if l == gpio.High {
		c.pulses++
		return
	}
	// data changes on the falling edge only
	if !c.shifting {
		return
	}
	if c.bitsOut < frameBits {
		if (c.cur>>uint(frameBits-1-c.bitsOut))&1 == 1 {
			c.dataLevel = gpio.High
		} else {
			c.dataLevel = gpio.Low
		}
		c.bitsOut++
		return
	}
	// priming pulse: frame done, line busy until the next conversion
	c.shifting = false
	c.dataLevel = gpio.High
}

// fakePin is a minimal in-memory gpio.PinIO.
type fakePin struct {
	name     string
	readFunc func() gpio.Level
	outFunc  func(gpio.Level)

	mu    sync.Mutex
	level gpio.Level
}

func (p *fakePin) String() string                            { return p.name }
func (p *fakePin) Halt() error                               { return nil }
func (p *fakePin) Name() string                              { return p.name }
func (p *fakePin) Number() int                               { return 0 }
func (p *fakePin) Function() string                          { return "In/Out" }
func (p *fakePin) In(pull gpio.Pull, edge gpio.Edge) error   { return nil }
func (p *fakePin) Pull() gpio.Pull                           { return gpio.PullNoChange }
func (p *fakePin) DefaultPull() gpio.Pull                    { return gpio.PullNoChange }
func (p *fakePin) WaitForEdge(timeout time.Duration) bool    { return false }
func (p *fakePin) PWM(d gpio.Duty, f physic.Frequency) error { return nil }

func (p *fakePin) Read() gpio.Level {
	if p.readFunc != nil {
		return p.readFunc()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *fakePin) Out(l gpio.Level) error {
	if p.outFunc != nil {
		p.outFunc(l)
	}
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
	return nil
}

func simDevice(t *testing.T, frames ...uint32) (*Dev, *simChip) {
	t.Helper()
	chip := &simChip{frames: frames}
	data := &fakePin{name: "data", readFunc: chip.readData}
	clk := &fakePin{name: "clk", outFunc: chip.clockOut}
	dev, err := New(data, clk, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return dev, chip
}

func TestReadCountsDecodesTwosComplement(t *testing.T) {
	tests := []struct {
		name  string
		frame uint32
		want  int32
	}{
		{"zero", 0x000000, 0},
		{"one", 0x000001, 1},
		{"alternating", 0x5A5A5A, 0x5A5A5A},
		{"minus one", 0xFFFFFF, -1},
		{"most negative", 0x800000, -(1 << 23)},
		{"max positive", 0x7FFFFF, 1<<23 - 1},
		{"negative mid", 0xFF0000, -65536},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, _ := simDevice(t, tt.frame)
			got, err := dev.ReadCounts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCountsSequence(t *testing.T) {
	dev, _ := simDevice(t, 100, 200, 0xFFFFFF)
	want := []int32{100, 200, -1}
	for i, w := range want {
		got, err := dev.ReadCounts(context.Background())
		require.NoError(t, err, "read %d", i)
		assert.Equal(t, w, got, "read %d", i)
	}
}

func TestReadCountsTimeout(t *testing.T) {
	dev, _ := simDevice(t) // no conversion ever ready
	start := time.Now()
	_, err := dev.ReadCounts(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), time.Second, "timeout must be bounded")
}

func TestReadCountsContextCancel(t *testing.T) {
	dev, _ := simDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dev.ReadCounts(ctx)
	require.ErrorIs(t, err, ErrNotReady)
}

// readBeforeFallingEdge decodes a frame the wrong way round: it samples the
// data line while the clock is still high. Every bit it sees is the stale
// value from the previous edge.
func readBeforeFallingEdge(t *testing.T, dev *Dev) uint32 {
	t.Helper()
	require.True(t, dev.waitReady(context.Background()))
	var v uint32
	for i := 0; i < frameBits; i++ {
		require.NoError(t, dev.clk.Out(gpio.High))
		if dev.data.Read() == gpio.High {
			v |= 1 << uint(frameBits-1-i)
		}
		require.NoError(t, dev.clk.Out(gpio.Low))
	}
	require.NoError(t, dev.clk.Out(gpio.High))
	require.NoError(t, dev.clk.Out(gpio.Low))
	return v
}

func TestSamplingEdgeMatters(t *testing.T) {
	const frame = uint32(0x5A5A5B) // odd, so a one-bit shift must show

	dev, _ := simDevice(t, frame)
	stale := readBeforeFallingEdge(t, dev)
	assert.Equal(t, frame>>1, stale, "pre-edge sampling sees every bit one position late")
	assert.NotEqual(t, frame, stale)

	dev2, _ := simDevice(t, frame)
	got, err := dev2.ReadCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(frame), got)
}

func TestWakeEmitsPulses(t *testing.T) {
	dev, chip := simDevice(t, 42)
	require.NoError(t, dev.Wake())
	assert.Equal(t, wakePulses, chip.pulses)

	// wake pulses while idle must not corrupt the next frame
	got, err := dev.ReadCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
}

func TestPowerDownHoldsClockHigh(t *testing.T) {
	dev, _ := simDevice(t)
	require.NoError(t, dev.PowerDown())
	clk := dev.clk.(*fakePin)
	clk.mu.Lock()
	defer clk.mu.Unlock()
	assert.Equal(t, gpio.High, clk.level)
}

func TestReadAverage(t *testing.T) {
	dev, _ := simDevice(t, 100, 102, 98, 100)
	got, err := dev.ReadAverage(context.Background(), 4, false)
	require.NoError(t, err)
	assert.InDelta(t, 100, got, 1e-9)
}

func TestReadAverageDiscardsOutlier(t *testing.T) {
	// one glitch far beyond 3 MAD of the rest
	frames := []uint32{1000, 1002, 998, 1001, 999, 500000, 1000, 1001}
	dev, _ := simDevice(t, frames...)
	got, err := dev.ReadAverage(context.Background(), len(frames), true)
	require.NoError(t, err)
	assert.InDelta(t, 1000.14, got, 0.5, "glitch must not drag the average")
}

func TestReadAverageCleanSetUnchanged(t *testing.T) {
	frames := []uint32{1000, 1002, 998, 1001, 999, 1003, 1000, 1001}
	dev, _ := simDevice(t, frames...)
	plain, err := dev.ReadAverage(context.Background(), len(frames), false)
	require.NoError(t, err)

	dev2, _ := simDevice(t, frames...)
	filtered, err := dev2.ReadAverage(context.Background(), len(frames), true)
	require.NoError(t, err)
	assert.InDelta(t, plain, filtered, 1e-9, "discard path must not change a clean set")
}

func TestRejectOutliers(t *testing.T) {
	clean := []float64{10, 11, 9, 10, 12, 8, 10}
	assert.Len(t, rejectOutliers(append([]float64(nil), clean...)), len(clean))

	withGlitch := []float64{10, 11, 9, 10, 12, 8, 10, 4000}
	kept := rejectOutliers(append([]float64(nil), withGlitch...))
	assert.Len(t, kept, len(withGlitch)-1)
	assert.NotContains(t, kept, 4000.0)
}

func TestSignExtend24(t *testing.T) {
	cases := []struct {
		raw  uint32
		want int32
	}{
		{0x000000, 0},
		{0x000001, 1},
		{0x7FFFFF, 1<<23 - 1},
		{0x800000, -(1 << 23)},
		{0xFFFFFF, -1},
		{0xFF0000, -65536},
		{0x800001, -(1<<23 - 1)},
	}
	for _, c := range cases {
		if got := signExtend24(c.raw); got != c.want {
			t.Fatalf("signExtend24(%#06x) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestSaturated(t *testing.T) {
	assert.True(t, Saturated(1<<23-1))
	assert.True(t, Saturated(-(1<<23-1)))
	assert.True(t, Saturated(-(1 << 23)))
	assert.False(t, Saturated(0))
	assert.False(t, Saturated(1<<23-2))
}
