package console

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

func TestConsolePublish(t *testing.T) {
	c := NewConsole()
	ts := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	readings := []sensor.Reading{{
		Sensor:    "cuff",
		Values:    map[string]float64{"pressure_mmhg": 121.5, "raw_counts": 83120},
		Timestamp: ts,
	}}
	out := captureStdout(func() { _ = c.Publish(readings) })
	want := "2026-03-02T09:15:00Z sensor=cuff pressure_mmhg=121.500 raw_counts=83120.000\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}

func TestConsolePublishResult(t *testing.T) {
	c := NewConsole()
	res := &analysis.Result{
		Systolic:         118.2,
		Diastolic:        79.4,
		MAP:              93.1,
		PulsePressure:    38.8,
		SNRdB:            14.7,
		PointsCollected:  480,
		IsValid:          false,
		ValidationErrors: []string{"systolic 62.0 below plausible minimum 70.0"},
	}
	out := captureStdout(func() { _ = c.PublishResult(res) })
	want := "result sys=118.2 dia=79.4 map=93.1 pp=38.8 snr_db=14.7 points=480 valid=false\n" +
		"result warning: systolic 62.0 below plausible minimum 70.0\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}
