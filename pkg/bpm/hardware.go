package bpm

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Actuators is the ownership token for the pump and valve outputs. Exactly
// one is constructed per rig and handed to the monitor; no other component
// may toggle those lines.
type Actuators interface {
	PumpOn() error
	PumpOff() error
	// ValveOpen de-energizes the solenoid so the cuff bleeds down. This
	// is the fail-safe position.
	ValveOpen() error
	ValveClose() error
}

// GPIOActuators drives the pump and valve through two periph.io output
// lines. The valve solenoid is wired normally-open: line low means the cuff
// bleeds, so a power loss always deflates.
type GPIOActuators struct {
	pump   gpio.PinOut
	valve  gpio.PinOut
	logger *zap.Logger
}

// NewGPIOActuators looks the two lines up by name and drives both to the
// fail-safe position before returning.
func NewGPIOActuators(pumpName, valveName string, logger *zap.Logger) (*GPIOActuators, error) {
	pump := gpioreg.ByName(pumpName)
	if pump == nil {
		return nil, errors.Errorf("no GPIO named %q", pumpName)
	}
	valve := gpioreg.ByName(valveName)
	if valve == nil {
		return nil, errors.Errorf("no GPIO named %q", valveName)
	}
	a := &GPIOActuators{pump: pump, valve: valve, logger: logger}
	if err := a.PumpOff(); err != nil {
		return nil, errors.Wrap(err, "initial pump off")
	}
	if err := a.ValveOpen(); err != nil {
		return nil, errors.Wrap(err, "initial valve open")
	}
	return a, nil
}

func (a *GPIOActuators) PumpOn() error     { return a.pump.Out(gpio.High) }
func (a *GPIOActuators) PumpOff() error    { return a.pump.Out(gpio.Low) }
func (a *GPIOActuators) ValveOpen() error  { return a.valve.Out(gpio.Low) }
func (a *GPIOActuators) ValveClose() error { return a.valve.Out(gpio.High) }

// FakeActuators records output changes for tests and simulation mode.
type FakeActuators struct {
	mu        sync.Mutex
	pumpOn    bool
	valveOpen bool
	events    []string
}

func NewFakeActuators() *FakeActuators {
	return &FakeActuators{valveOpen: true}
}

func (a *FakeActuators) record(ev string) {
	a.events = append(a.events, ev)
}

func (a *FakeActuators) PumpOn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pumpOn = true
	a.record("pump_on")
	return nil
}

func (a *FakeActuators) PumpOff() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pumpOn = false
	a.record("pump_off")
	return nil
}

func (a *FakeActuators) ValveOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valveOpen = true
	a.record("valve_open")
	return nil
}

func (a *FakeActuators) ValveClose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valveOpen = false
	a.record("valve_close")
	return nil
}

// State returns the current pump/valve position.
func (a *FakeActuators) State() (pumpOn, valveOpen bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pumpOn, a.valveOpen
}

// Events returns the ordered output transitions so far.
func (a *FakeActuators) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}
