package console

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/output"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		fmt.Printf("%s sensor=%s %s\n", r.Timestamp.Format(time.RFC3339), r.Sensor, formatValues(r.Values))
	}
	return nil
}

func (c *ConsoleOutput) PublishResult(res *analysis.Result) error {
	fmt.Printf("result sys=%.1f dia=%.1f map=%.1f pp=%.1f snr_db=%.1f points=%d valid=%v\n",
		res.Systolic, res.Diastolic, res.MAP, res.PulsePressure, res.SNRdB,
		res.PointsCollected, res.IsValid)
	for _, e := range res.ValidationErrors {
		fmt.Printf("result warning: %s\n", e)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// formatValues renders the value map in a stable key order.
func formatValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.3f", k, values[k]))
	}
	return strings.Join(parts, " ")
}
