package calibration

import (
	"math"
	"testing"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
)

func TestCountsToPressure(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		raw  int64
		want float64
	}{
		{"identity", Params{SlopeMmHgPerCount: 1}, 42, 42},
		{"offset", Params{OffsetCounts: 100, SlopeMmHgPerCount: 1}, 142, 42},
		{"slope", Params{SlopeMmHgPerCount: 0.5}, 100, 50},
		{"inverted", Params{OffsetCounts: 10, SlopeMmHgPerCount: 2, Inverted: true}, -40, 100},
		{"zero counts", Params{OffsetCounts: 7, SlopeMmHgPerCount: 3}, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.CountsToPressure(tt.raw); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("CountsToPressure(%d) = %g; want %g", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	params := []Params{
		{OffsetCounts: 0, SlopeMmHgPerCount: 1.0 / 4096.0},
		{OffsetCounts: -84213, SlopeMmHgPerCount: 3.1e-5},
		{OffsetCounts: 1 << 20, SlopeMmHgPerCount: 0.0021, Inverted: true},
		{OffsetCounts: 12345, SlopeMmHgPerCount: -7.5e-4},
	}
	counts := []int64{0, 1, -1, 12345, -99999, 1<<23 - 1, -(1 << 23)}
	for _, p := range params {
		for _, c := range counts {
			got := p.PressureToCounts(p.CountsToPressure(c))
			if got != c {
				t.Fatalf("round trip %+v counts=%d: got %d", p, c, got)
			}
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.CalibrationConfig{OffsetCounts: 9, SlopeMmHgPerCount: 0.25, Inverted: true}
	p := FromConfig(cfg)
	if p.OffsetCounts != 9 || p.SlopeMmHgPerCount != 0.25 || !p.Inverted {
		t.Fatalf("FromConfig mismatch: %+v", p)
	}
}
