package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/host/v3"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/bpm"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/calibration"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/hx710"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/logger"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/output"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/output/console"
	outmqtt "github.com/phucdanh3082002/Iot-health-sub000/pkg/output/mqtt"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

// errInvalidResult makes an out-of-bounds measurement exit non-zero even
// though its numbers were published.
var errInvalidResult = errors.New("measurement result failed physiological validation")

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg config.Config, lg *zap.Logger) error {
	outputs, err := buildOutputs(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOutputs(outputs); cerr != nil {
			lg.Warn("output close", zap.Error(cerr))
		}
	}()

	src, actuators, drv, err := buildHardware(cfg, lg)
	if err != nil {
		return err
	}

	settings := analysis.FromConfig(cfg.Analysis)
	limits := bpm.LimitsFromConfig(cfg.Safety)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Mode {
	case "measure":
		return runMeasure(src, actuators, limits, settings, outputs, lg, sig)
	default:
		return runMonitor(drv, cfg, outputs, lg, sig)
	}
}

// runMeasure performs a single blood-pressure measurement and publishes the
// result. A signal during the measurement aborts it safely.
func runMeasure(src bpm.PressureSource, actuators bpm.Actuators, limits bpm.Limits,
	settings analysis.Settings, outputs []output.Output, lg *zap.Logger, sig chan os.Signal,
) error {
	done := make(chan error, 1)
	mon := bpm.NewMonitor(src, actuators, limits, settings, lg,
		func(success bool, result *analysis.Result, err error) {
			if result != nil {
				for _, out := range outputs {
					if perr := out.PublishResult(result); perr != nil {
						lg.Warn("result publish", zap.Error(perr))
					}
				}
			}
			if err == nil && result != nil && !result.IsValid {
				err = errInvalidResult
			}
			done <- err
		})
	if err := mon.Start(); err != nil {
		return err
	}

	// live status while the measurement runs
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			lg.Info("signal received, aborting measurement")
			mon.Stop()
		case <-ticker.C:
			st := mon.Status()
			lg.Info("measurement status",
				zap.String("phase", st.PhaseName),
				zap.Float64("pressure_mmhg", st.PressureMmHg),
				zap.Float64("progress", st.Progress))
		case err := <-done:
			if errors.Is(err, bpm.ErrAborted) {
				lg.Info("measurement aborted")
				return nil
			}
			return err
		}
	}
}

// runMonitor streams cuff pressure to the outputs until interrupted.
func runMonitor(drv sensor.Driver, cfg config.Config, outputs []output.Output,
	lg *zap.Logger, sig chan os.Signal,
) error {
	desc := sensor.Descriptor{
		Name:                 "cuff",
		Mode:                 sensor.ModeBlocking,
		SampleRateHz:         cfg.ADC.SampleRateHz,
		ReadTimeout:          time.Duration(cfg.ADC.ReadTimeoutMs) * time.Millisecond,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}
	runner := sensor.NewRunner(drv, desc, lg, func(r sensor.Reading) {
		for _, out := range outputs {
			if err := out.Publish([]sensor.Reading{r}); err != nil {
				lg.Warn("publish", zap.Error(err))
			}
		}
	})
	if err := runner.Start(); err != nil {
		return err
	}
	lg.Info("monitoring cuff pressure, ctrl-c to stop")
	<-sig
	runner.Stop()
	stats := runner.Stats()
	lg.Info("monitor stopped",
		zap.Uint64("errors", stats.Errors),
		zap.Uint64("timeouts", stats.Timeouts))
	return nil
}

// buildHardware wires either the real converter and GPIO actuators or the
// software rig, behind the same interfaces.
func buildHardware(cfg config.Config, lg *zap.Logger) (bpm.PressureSource, bpm.Actuators, sensor.Driver, error) {
	if cfg.SensorType == "simulation" {
		fake := bpm.NewFakeActuators()
		rig := bpm.NewSimulatedRig(fake, clock.New())
		drv := &sensor.FakeDriver{
			Name: "cuff",
			ReadFunc: func(ctx context.Context) (sensor.RawSample, error) {
				return rig.ReadPressure(ctx)
			},
			ProcessFunc: func(raw sensor.RawSample) (*sensor.Reading, error) {
				p, _ := raw.(float64)
				return &sensor.Reading{
					Values: map[string]float64{hx710.ReadingKey: p},
				}, nil
			},
		}
		return rig, fake, drv, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, nil, err
	}
	dev, err := hx710.NewFromRegistry(cfg.Pins.Data, cfg.Pins.Clock,
		time.Duration(cfg.ADC.ReadTimeoutMs)*time.Millisecond, lg)
	if err != nil {
		return nil, nil, nil, err
	}
	cal := calibration.FromConfig(cfg.Calibration)
	drv := hx710.NewPressureDriver(dev, cal, "cuff", cfg.ADC.AverageSamples, cfg.ADC.DiscardOutliers)
	actuators, err := bpm.NewGPIOActuators(cfg.Pins.Pump, cfg.Pins.Valve, lg)
	if err != nil {
		return nil, nil, nil, err
	}
	return drv, actuators, drv, nil
}

func buildOutputs(cfg config.Config) ([]output.Output, error) {
	if len(cfg.Outputs) == 0 {
		return []output.Output{console.NewConsole()}, nil
	}
	outs := make([]output.Output, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		switch oc.Type {
		case "mqtt":
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			out, err := outmqtt.NewMQTT(mc)
			if err != nil {
				_ = closeOutputs(outs)
				return nil, err
			}
			outs = append(outs, out)
		default:
			outs = append(outs, console.NewConsole())
		}
	}
	return outs, nil
}

func closeOutputs(outs []output.Output) error {
	var err error
	for _, out := range outs {
		err = multierr.Append(err, out.Close())
	}
	return err
}
