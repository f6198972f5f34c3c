package analysis

import "math"

// biquad is a single second-order IIR section in direct form I.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// newBandpass builds a constant-peak-gain bandpass biquad with center
// frequency at the geometric mean of the band edges.
func newBandpass(fs, lowHz, highHz float64) *biquad {
	f0 := math.Sqrt(lowHz * highHz)
	q := f0 / (highHz - lowHz)
	w0 := 2 * math.Pi * f0 / fs
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return &biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * math.Cos(w0) / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f *biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

func (f *biquad) Next(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// bandpass runs the section forward and then backward over the series, which
// cancels the filter's phase delay. Zero phase matters here: a shifted
// envelope maps oscillation amplitudes onto the wrong cuff pressures.
func bandpass(x []float64, fs, lowHz, highHz float64) []float64 {
	f := newBandpass(fs, lowHz, highHz)
	fwd := make([]float64, len(x))
	for i, v := range x {
		fwd[i] = f.Next(v)
	}
	f.Reset()
	out := make([]float64, len(x))
	for i := len(fwd) - 1; i >= 0; i-- {
		out[i] = f.Next(fwd[i])
	}
	return out
}

// movingAverage smooths with a centered window; window is forced odd.
func movingAverage(x []float64, window int) []float64 {
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	half := window / 2
	out := make([]float64, len(x))
	for i := range x {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(x)-1 {
			hi = len(x) - 1
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += x[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}
