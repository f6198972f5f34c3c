package mqtt

import (
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/analysis"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/output"
	"github.com/phucdanh3082002/Iot-health-sub000/pkg/sensor"
)

const (
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "bpm-cuff"
	DefaultStateTopic  = "bpm/pressure"
	DefaultResultTopic = "bpm/result"

	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	unitMmHg               = "mmHg"
	deviceClassPressure    = "pressure"
	stateClassMeasurement  = "measurement"
	valueTemplatePressure  = "{{ value_json.pressure_mmhg }}"
)

type MQTTOutput struct {
	client      mqtt.Client
	stateTopic  string
	resultTopic string
}

func NewMQTT(cfg config.MQTTConfig) (output.Output, error) {
	opts := mqtt.NewClientOptions().AddBroker(orDefault(cfg.Server, DefaultServer)).
		SetClientID(orDefault(cfg.ClientID, DefaultClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect")
	}

	m := &MQTTOutput{
		client:      client,
		stateTopic:  orDefault(cfg.StateTopic, DefaultStateTopic),
		resultTopic: orDefault(cfg.ResultTopic, DefaultResultTopic),
	}

	// retained Home Assistant discovery payload, if requested
	if cfg.DiscoveryTopic != "" {
		name := cfg.DiscoveryName
		if name == "" {
			name = "Cuff pressure " + orDefault(cfg.ClientID, DefaultClientID)
		}
		payload := map[string]interface{}{
			keyName:                name,
			keyStateTopic:          m.stateTopic,
			keyUnitOfMeasurement:   unitMmHg,
			keyDeviceClass:         deviceClassPressure,
			keyStateClass:          stateClassMeasurement,
			keyValueTemplate:       valueTemplatePressure,
			keyJSONAttributesTopic: m.stateTopic,
		}
		if uid := orDefault(cfg.DiscoveryUniqueID, cfg.ClientID); uid != "" {
			payload[keyUniqueID] = uid
		}
		if err := m.publishJSON(cfg.DiscoveryTopic, true, payload); err != nil {
			return nil, errors.Wrap(err, "mqtt discovery publish")
		}
	}

	return m, nil
}

func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		payload := make(map[string]interface{}, len(r.Values)+1)
		for k, v := range r.Values {
			payload[k] = v
		}
		payload["timestamp"] = r.Timestamp.UTC()
		if err := m.publishJSON(m.stateTopic, false, payload); err != nil {
			return err
		}
	}
	return nil
}

// PublishResult sends the full result document retained, so late subscribers
// still see the most recent measurement.
func (m *MQTTOutput) PublishResult(res *analysis.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.resultTopic, 0, true, b)
	token.Wait()
	return token.Error()
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTTOutput) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := m.client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
