package output

import (
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

// Output is a sink for live cuff-pressure readings and finished measurement
// results. Implementations live in subpackages.
type Output interface {
	Publish([]sensor.Reading) error
	PublishResult(*analysis.Result) error
	Close() error
}
