package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// PinConfig holds GPIO line names as understood by periph.io's gpioreg
// (e.g. "GPIO5"). Data and Clock belong to the ADC; Pump and Valve are
// owned exclusively by the measurement state machine.
type PinConfig struct {
	Data  string `json:"data" yaml:"data"`
	Clock string `json:"clock" yaml:"clock"`
	Pump  string `json:"pump" yaml:"pump"`
	Valve string `json:"valve" yaml:"valve"`
}

type ADCConfig struct {
	ReadTimeoutMs   int     `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	SampleRateHz    float64 `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	AverageSamples  int     `json:"average_samples" yaml:"average_samples"`
	DiscardOutliers bool    `json:"discard_outliers" yaml:"discard_outliers"`
}

type CalibrationConfig struct {
	OffsetCounts      int64   `json:"offset_counts" yaml:"offset_counts"`
	SlopeMmHgPerCount float64 `json:"slope_mmhg_per_count" yaml:"slope_mmhg_per_count"`
	Inverted          bool    `json:"inverted" yaml:"inverted"`
}

type SafetyConfig struct {
	MaxPressureMmHg     float64 `json:"max_pressure_mmhg" yaml:"max_pressure_mmhg"`
	MaxInflateTimeS     float64 `json:"max_inflate_time_s" yaml:"max_inflate_time_s"`
	InflateTargetMmHg   float64 `json:"inflate_target_mmhg" yaml:"inflate_target_mmhg"`
	DeflateEndpointMmHg float64 `json:"deflate_endpoint_mmhg" yaml:"deflate_endpoint_mmhg"`
	DeflateTimeoutS     float64 `json:"deflate_timeout_s" yaml:"deflate_timeout_s"`
	StallWindowS        float64 `json:"stall_window_s" yaml:"stall_window_s"`
	StallMinRiseMmHg    float64 `json:"stall_min_rise_mmhg" yaml:"stall_min_rise_mmhg"`
	ZeroAbortMmHg       float64 `json:"zero_abort_mmhg" yaml:"zero_abort_mmhg"`
	ZeroWarnMmHg        float64 `json:"zero_warn_mmhg" yaml:"zero_warn_mmhg"`
	SettleTimeS         float64 `json:"settle_time_s" yaml:"settle_time_s"`
}

type AnalysisConfig struct {
	BandpassLowHz     float64 `json:"bandpass_low_hz" yaml:"bandpass_low_hz"`
	BandpassHighHz    float64 `json:"bandpass_high_hz" yaml:"bandpass_high_hz"`
	MinSNRDB          float64 `json:"min_snr_db" yaml:"min_snr_db"`
	SysAmplitudeRatio float64 `json:"sys_amplitude_ratio" yaml:"sys_amplitude_ratio"`
	DiaAmplitudeRatio float64 `json:"dia_amplitude_ratio" yaml:"dia_amplitude_ratio"`
}

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	ResultTopic       string `json:"result_topic" yaml:"result_topic"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type OutputConfig struct {
	Type string      `json:"type" yaml:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type Config struct {
	Log                  LogConfig         `json:"log" yaml:"log"`
	Mode                 string            `json:"mode" yaml:"mode"`
	SensorType           string            `json:"sensor_type" yaml:"sensor_type"`
	Pins                 PinConfig         `json:"pins" yaml:"pins"`
	ADC                  ADCConfig         `json:"adc" yaml:"adc"`
	Calibration          CalibrationConfig `json:"calibration" yaml:"calibration"`
	Safety               SafetyConfig      `json:"safety" yaml:"safety"`
	Analysis             AnalysisConfig    `json:"analysis" yaml:"analysis"`
	MaxConsecutiveErrors int               `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	Outputs              []OutputConfig    `json:"outputs" yaml:"outputs"`
}

func DefaultConfig() Config {
	return Config{
		Log:        LogConfig{Level: "info", Format: "console"},
		Mode:       "monitor",
		SensorType: "real",
		Pins:       PinConfig{Data: "GPIO5", Clock: "GPIO6", Pump: "GPIO23", Valve: "GPIO24"},
		ADC: ADCConfig{
			ReadTimeoutMs:   200,
			SampleRateHz:    40,
			AverageSamples:  8,
			DiscardOutliers: true,
		},
		Calibration: CalibrationConfig{
			OffsetCounts:      0,
			SlopeMmHgPerCount: 1.0 / 4096.0,
			Inverted:          false,
		},
		Safety: SafetyConfig{
			MaxPressureMmHg:     300,
			MaxInflateTimeS:     40,
			InflateTargetMmHg:   180,
			DeflateEndpointMmHg: 20,
			DeflateTimeoutS:     90,
			StallWindowS:        5,
			StallMinRiseMmHg:    2,
			ZeroAbortMmHg:       30,
			ZeroWarnMmHg:        8,
			SettleTimeS:         2,
		},
		Analysis: AnalysisConfig{
			BandpassLowHz:     0.5,
			BandpassHighHz:    5.0,
			MinSNRDB:          6.0,
			SysAmplitudeRatio: 0.55,
			DiaAmplitudeRatio: 0.80,
		},
		MaxConsecutiveErrors: 5,
		Outputs:              []OutputConfig{{Type: "console"}},
	}
}

// LoadFromFlags loads configuration from a JSON or YAML file (optional) and
// flags. Flags override values present in the file.
func LoadFromFlags() (Config, error) {
	cfgPath := flag.String("config", "", "Path to JSON or YAML config file")
	flagMode := flag.String("mode", "", "Run mode: monitor|measure")
	flagSensorType := flag.String("sensor-type", "", "Sensor type: real|simulation")
	flagLogLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	flagLogFormat := flag.String("log-format", "", "Log format: json|console")
	flagDataPin := flag.String("data-pin", "", "ADC data GPIO name")
	flagClockPin := flag.String("clock-pin", "", "ADC clock GPIO name")
	flagPumpPin := flag.String("pump-pin", "", "Pump GPIO name")
	flagValvePin := flag.String("valve-pin", "", "Valve GPIO name")
	flagTarget := flag.Float64("inflate-target", -1, "Inflation target (mmHg)")
	flagOutputs := flag.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := flag.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := flag.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := flag.String("mqtt-pass", "", "MQTT password")
	flagClientID := flag.String("mqtt-client-id", "", "MQTT client id")

	flag.Parse()

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := loadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagMode != "" {
		cfg.Mode = *flagMode
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.Log.Format = *flagLogFormat
	}
	if *flagDataPin != "" {
		cfg.Pins.Data = *flagDataPin
	}
	if *flagClockPin != "" {
		cfg.Pins.Clock = *flagClockPin
	}
	if *flagPumpPin != "" {
		cfg.Pins.Pump = *flagPumpPin
	}
	if *flagValvePin != "" {
		cfg.Pins.Valve = *flagValvePin
	}
	if *flagTarget > 0 {
		cfg.Safety.InflateTargetMmHg = *flagTarget
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" {
		applied := false
		for i := range cfg.Outputs {
			if strings.EqualFold(cfg.Outputs[i].Type, "mqtt") {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				applyMQTTFlags(cfg.Outputs[i].MQTT, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID)
				applied = true
			}
		}
		if !applied {
			m := &MQTTConfig{}
			applyMQTTFlags(m, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID)
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: "mqtt", MQTT: m})
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse json config: %w", err)
	}
	return nil
}

// Validate rejects configurations that could never run a safe measurement.
// Everything here fails at construction; nothing is re-checked mid-measurement.
func (c Config) Validate() error {
	pinRoles := []struct{ role, name string }{
		{"data", c.Pins.Data},
		{"clock", c.Pins.Clock},
		{"pump", c.Pins.Pump},
		{"valve", c.Pins.Valve},
	}
	seen := map[string]string{}
	for _, p := range pinRoles {
		if p.name == "" {
			return fmt.Errorf("pin %s not assigned", p.role)
		}
		if prev, ok := seen[p.name]; ok {
			return fmt.Errorf("pins %s and %s share GPIO %s", prev, p.role, p.name)
		}
		seen[p.name] = p.role
	}
	if c.ADC.ReadTimeoutMs <= 0 {
		return fmt.Errorf("adc read_timeout_ms must be > 0, got %d", c.ADC.ReadTimeoutMs)
	}
	if c.ADC.SampleRateHz <= 0 {
		return fmt.Errorf("adc sample_rate_hz must be > 0, got %g", c.ADC.SampleRateHz)
	}
	if c.ADC.AverageSamples <= 0 {
		return fmt.Errorf("adc average_samples must be > 0, got %d", c.ADC.AverageSamples)
	}
	if c.Calibration.SlopeMmHgPerCount == 0 {
		return fmt.Errorf("calibration slope_mmhg_per_count must be non-zero")
	}
	s := c.Safety
	if s.InflateTargetMmHg >= s.MaxPressureMmHg {
		return fmt.Errorf("inflate_target_mmhg (%g) must be below max_pressure_mmhg (%g)",
			s.InflateTargetMmHg, s.MaxPressureMmHg)
	}
	if s.DeflateEndpointMmHg >= s.InflateTargetMmHg {
		return fmt.Errorf("deflate_endpoint_mmhg (%g) must be below inflate_target_mmhg (%g)",
			s.DeflateEndpointMmHg, s.InflateTargetMmHg)
	}
	if s.MaxInflateTimeS <= 0 || s.DeflateTimeoutS <= 0 {
		return fmt.Errorf("inflate/deflate time limits must be > 0")
	}
	if s.StallWindowS <= 0 {
		return fmt.Errorf("stall_window_s must be > 0, got %g", s.StallWindowS)
	}
	if s.ZeroWarnMmHg > s.ZeroAbortMmHg {
		return fmt.Errorf("zero_warn_mmhg (%g) must not exceed zero_abort_mmhg (%g)",
			s.ZeroWarnMmHg, s.ZeroAbortMmHg)
	}
	a := c.Analysis
	if a.BandpassLowHz <= 0 || a.BandpassHighHz <= a.BandpassLowHz {
		return fmt.Errorf("bandpass band [%g, %g] is not a valid range", a.BandpassLowHz, a.BandpassHighHz)
	}
	if a.SysAmplitudeRatio <= 0 || a.SysAmplitudeRatio >= 1 {
		return fmt.Errorf("sys_amplitude_ratio must be in (0,1), got %g", a.SysAmplitudeRatio)
	}
	if a.DiaAmplitudeRatio <= 0 || a.DiaAmplitudeRatio >= 1 {
		return fmt.Errorf("dia_amplitude_ratio must be in (0,1), got %g", a.DiaAmplitudeRatio)
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max_consecutive_errors must be > 0, got %d", c.MaxConsecutiveErrors)
	}
	switch c.Mode {
	case "monitor", "measure":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.SensorType {
	case "real", "simulation":
	default:
		return fmt.Errorf("unknown sensor type %q", c.SensorType)
	}
	return nil
}

func applyMQTTFlags(m *MQTTConfig, server, user, pass, clientID string) {
	if server != "" {
		m.Server = server
	}
	if user != "" {
		m.Username = user
	}
	if pass != "" {
		m.Password = pass
	}
	if clientID != "" {
		m.ClientID = clientID
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
