// Package sensor defines the lifecycle contract shared by every physical
// sensor driver and the managed sampling loop that runs them.
package sensor

import (
	"context"
	"time"
)

// RawSample is a driver-specific raw reading. It lives for exactly one
// sampling iteration and is never persisted. Drivers must return an untyped
// nil from ReadRaw to signal "no data yet".
type RawSample any

// Reading is a processed, timestamped domain reading. Values are keyed by
// quantity name with unit-bearing keys (e.g. "pressure_mmhg").
type Reading struct {
	Sensor    string             `json:"sensor"`
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}

// Mode selects how the sampling loop paces reads.
type Mode int

const (
	// ModeContinuous sleeps 1/sample-rate between reads.
	ModeContinuous Mode = iota
	// ModeBlocking drivers block inside ReadRaw, bounded by their own
	// hardware-readiness timeout; the loop adds no pacing of its own.
	ModeBlocking
)

// Descriptor identifies a sensor instance. Immutable after construction and
// owned exclusively by its runner.
type Descriptor struct {
	Name                 string
	Mode                 Mode
	SampleRateHz         float64
	ReadTimeout          time.Duration
	MaxConsecutiveErrors int
}

// Driver is the contract every sensor implementation fulfills.
type Driver interface {
	// Initialize performs hardware setup (pin modes, handshakes). It must
	// be idempotent when called while already initialized.
	Initialize() error

	// ReadRaw retrieves one raw sample. Returning (nil, nil) means no data
	// was available before the driver's timeout; that is not an error.
	ReadRaw(ctx context.Context) (RawSample, error)

	// Process is a pure transform from raw sample to domain reading. An
	// error means the sample was rejected and counts toward the error
	// ceiling.
	Process(raw RawSample) (*Reading, error)

	// Cleanup releases hardware resources. The runner always calls it,
	// logs failures and otherwise swallows them.
	Cleanup() error
}

// Validator is an optional sanity-check hook executed before Process, for
// driver-specific rejection such as ADC saturation.
type Validator interface {
	IsValidReading(raw RawSample) bool
}
