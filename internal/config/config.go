// Package config models the gateway and per-node configuration. Values are
// loaded once at startup, validated, and shared immutably; derived values
// (sampling periods, the leading-byte map, expanded conversion constants) are
// computed during validation.
package config

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GatewayConfig holds receiver-level settings.
type GatewayConfig struct {
	BaudRate                int               `mapstructure:"baudrate" json:"baudrate"`
	Endian                  string            `mapstructure:"endian" json:"endian"`
	SerialBufferRxSize      int               `mapstructure:"serial_buffer_rx_size" json:"serial_buffer_rx_size"`
	SerialBufferTxSize      int               `mapstructure:"serial_buffer_tx_size" json:"serial_buffer_tx_size"`
	PacketKey               int               `mapstructure:"packet_key" json:"packet_key"`
	PacketKeyOffset         int               `mapstructure:"packet_key_offset" json:"packet_key_offset"`
	InstallationReference   string            `mapstructure:"installation_reference" json:"installation_reference"`
	TurbineID               string            `mapstructure:"turbine_id" json:"turbine_id"`
	ReceiverFirmwareVersion string            `mapstructure:"receiver_firmware_version" json:"receiver_firmware_version"`
	Latitude                float64           `mapstructure:"latitude" json:"latitude"`
	Longitude               float64           `mapstructure:"longitude" json:"longitude"`
	InitialGatewayHandles   map[string]string `mapstructure:"initial_gateway_handles" json:"initial_gateway_handles"`
	LocalInfoTypes          map[string]string `mapstructure:"local_info_types" json:"local_info_types"`
}

// ByteOrder returns the byte order used to decode multibyte wire values.
func (g GatewayConfig) ByteOrder() binary.ByteOrder {
	if g.Endian == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// NodeConfig holds the settings for a single measurement node.
type NodeConfig struct {
	BladeID             string  `mapstructure:"blade_id" json:"blade_id"`
	NodeFirmwareVersion string  `mapstructure:"node_firmware_version" json:"node_firmware_version"`
	MicsFreq            float64 `mapstructure:"mics_freq" json:"mics_freq"`
	BarosFreq           float64 `mapstructure:"baros_freq" json:"baros_freq"`
	DiffBarosFreq       float64 `mapstructure:"diff_baros_freq" json:"diff_baros_freq"`
	AccFreq             float64 `mapstructure:"acc_freq" json:"acc_freq"`
	GyroFreq            float64 `mapstructure:"gyro_freq" json:"gyro_freq"`
	MagFreq             float64 `mapstructure:"mag_freq" json:"mag_freq"`
	AnalogFreq          float64 `mapstructure:"analog_freq" json:"analog_freq"`

	// ConstatPeriod is in milliseconds; BatteryInfoPeriod in seconds.
	ConstatPeriod     float64 `mapstructure:"constat_period" json:"constat_period"`
	BatteryInfoPeriod float64 `mapstructure:"battery_info_period" json:"battery_info_period"`

	MaxTimestampSlack float64 `mapstructure:"max_timestamp_slack" json:"max_timestamp_slack"`
	MaxPeriodDrift    float64 `mapstructure:"max_period_drift" json:"max_period_drift"`
	HandleTableSpan   int     `mapstructure:"handle_table_span" json:"handle_table_span"`

	SensorNames      []string       `mapstructure:"sensor_names" json:"sensor_names"`
	SamplesPerPacket map[string]int `mapstructure:"samples_per_packet" json:"samples_per_packet"`
	NumberOfSensors  map[string]int `mapstructure:"number_of_sensors" json:"number_of_sensors"`

	// ConversionConstants accepts either a scalar or a per-sensor-index
	// vector for each sensor; validation expands scalars into
	// SensorConversionConstants.
	ConversionConstants       map[string]interface{} `mapstructure:"sensor_conversion_constants" json:"-"`
	SensorConversionConstants map[string][]float64   `mapstructure:"-" json:"sensor_conversion_constants"`

	InitialNodeHandles map[string]string   `mapstructure:"initial_node_handles" json:"initial_node_handles"`
	DeclineReasons     map[string]string   `mapstructure:"decline_reason" json:"decline_reason"`
	SleepStates        map[string]string   `mapstructure:"sleep_state" json:"sleep_state"`
	RemoteInfoTypes    map[string]string   `mapstructure:"remote_info_type" json:"remote_info_type"`
	SensorCommands     map[string][]string `mapstructure:"sensor_commands" json:"sensor_commands"`

	periods map[string]float64
}

// Periods returns a copy of the derived seconds-per-sample map. Periods come
// from the sampling frequencies except for Constat (constat_period/1000) and
// battery_info (battery_info_period).
func (n *NodeConfig) Periods() map[string]float64 {
	out := make(map[string]float64, len(n.periods))
	for k, v := range n.periods {
		out[k] = v
	}
	return out
}

func (n *NodeConfig) derivePeriods() {
	n.periods = map[string]float64{
		SensorMics:        1 / n.MicsFreq,
		SensorBarosP:      1 / n.BarosFreq,
		SensorBarosT:      1 / n.BarosFreq,
		SensorDiffBaros:   1 / n.DiffBarosFreq,
		SensorAcc:         1 / n.AccFreq,
		SensorGyro:        1 / n.GyroFreq,
		SensorMag:         1 / n.MagFreq,
		SensorAnalogVbat:  1 / n.AnalogFreq,
		SensorConstat:     n.ConstatPeriod / 1000,
		SensorBatteryInfo: n.BatteryInfoPeriod,
	}
}

func (n *NodeConfig) validate(nodeID string) error {
	freqs := map[string]float64{
		"mics_freq":       n.MicsFreq,
		"baros_freq":      n.BarosFreq,
		"diff_baros_freq": n.DiffBarosFreq,
		"acc_freq":        n.AccFreq,
		"gyro_freq":       n.GyroFreq,
		"mag_freq":        n.MagFreq,
		"analog_freq":     n.AnalogFreq,
	}
	for name, f := range freqs {
		if f <= 0 {
			return fmt.Errorf("node %s: %s must be positive, got %v", nodeID, name, f)
		}
	}
	if n.ConstatPeriod <= 0 {
		return fmt.Errorf("node %s: constat_period must be positive, got %v", nodeID, n.ConstatPeriod)
	}
	if n.BatteryInfoPeriod <= 0 {
		return fmt.Errorf("node %s: battery_info_period must be positive, got %v", nodeID, n.BatteryInfoPeriod)
	}
	if n.HandleTableSpan <= 0 {
		return fmt.Errorf("node %s: handle_table_span must be positive, got %d", nodeID, n.HandleTableSpan)
	}

	n.derivePeriods()
	n.canonicalizeSensorKeys()

	if err := n.expandConversionConstants(nodeID); err != nil {
		return err
	}

	// Every named sensor needs a complete parameter set.
	for _, sensor := range n.SensorNames {
		if _, ok := n.SamplesPerPacket[sensor]; !ok {
			return fmt.Errorf("node %s: sensor %q: missing samples_per_packet entry", nodeID, sensor)
		}
		if _, ok := n.NumberOfSensors[sensor]; !ok {
			return fmt.Errorf("node %s: sensor %q: missing number_of_sensors entry", nodeID, sensor)
		}
		if _, ok := n.periods[sensor]; !ok {
			return fmt.Errorf("node %s: sensor %q: no period can be derived", nodeID, sensor)
		}
		if _, ok := n.SensorConversionConstants[sensor]; !ok {
			return fmt.Errorf("node %s: sensor %q: missing sensor_conversion_constants entry", nodeID, sensor)
		}
	}
	return nil
}

// canonicalizeSensorKeys restores the canonical casing of sensor-keyed maps.
// The config loader is case-insensitive and lowercases keys on the way in,
// but sensor names like "Baros_P" are case-sensitive identifiers.
func (n *NodeConfig) canonicalizeSensorKeys() {
	canonical := make(map[string]string, len(n.SensorNames))
	for _, sensor := range n.SensorNames {
		canonical[strings.ToLower(sensor)] = sensor
	}

	fix := func(key string) string {
		if c, ok := canonical[strings.ToLower(key)]; ok {
			return c
		}
		return key
	}

	// Loaded (lowercased) keys sit next to the canonical default keys; when
	// both name the same sensor, the loaded value wins.
	yields := func(key string, taken bool) bool {
		return taken && fix(key) == key
	}

	samples := make(map[string]int, len(n.SamplesPerPacket))
	for k, v := range n.SamplesPerPacket {
		if _, taken := samples[fix(k)]; yields(k, taken) {
			continue
		}
		samples[fix(k)] = v
	}
	n.SamplesPerPacket = samples

	counts := make(map[string]int, len(n.NumberOfSensors))
	for k, v := range n.NumberOfSensors {
		if _, taken := counts[fix(k)]; yields(k, taken) {
			continue
		}
		counts[fix(k)] = v
	}
	n.NumberOfSensors = counts

	constants := make(map[string]interface{}, len(n.ConversionConstants))
	for k, v := range n.ConversionConstants {
		if _, taken := constants[fix(k)]; yields(k, taken) {
			continue
		}
		constants[fix(k)] = v
	}
	n.ConversionConstants = constants
}

// expandConversionConstants turns scalar constants into vectors of length
// number_of_sensors[sensor] so downstream consumers can treat them uniformly.
// Vectors of any other length are rejected.
func (n *NodeConfig) expandConversionConstants(nodeID string) error {
	expanded := make(map[string][]float64, len(n.ConversionConstants))

	for sensor, value := range n.ConversionConstants {
		width, ok := n.NumberOfSensors[sensor]
		if !ok {
			return fmt.Errorf("node %s: sensor %q: conversion constant given but number_of_sensors entry is missing", nodeID, sensor)
		}

		switch v := value.(type) {
		case float64:
			expanded[sensor] = repeat(v, width)
		case int:
			expanded[sensor] = repeat(float64(v), width)
		case []interface{}:
			vector := make([]float64, 0, len(v))
			for _, item := range v {
				f, err := toFloat(item)
				if err != nil {
					return fmt.Errorf("node %s: sensor %q: bad conversion constant: %w", nodeID, sensor, err)
				}
				vector = append(vector, f)
			}
			if len(vector) != width {
				return fmt.Errorf(
					"node %s: sensor %q: conversion constant vector has length %d, require %d",
					nodeID, sensor, len(vector), width,
				)
			}
			expanded[sensor] = vector
		case []float64:
			if len(v) != width {
				return fmt.Errorf(
					"node %s: sensor %q: conversion constant vector has length %d, require %d",
					nodeID, sensor, len(v), width,
				)
			}
			expanded[sensor] = append([]float64(nil), v...)
		default:
			return fmt.Errorf("node %s: sensor %q: unknown conversion constant value %v", nodeID, sensor, value)
		}
	}

	n.SensorConversionConstants = expanded
	return nil
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// CampaignMetadata is user-supplied metadata about the measurement campaign.
type CampaignMetadata struct {
	Label       string `mapstructure:"label" json:"label"`
	Description string `mapstructure:"description" json:"description"`
}

// Configuration is the root configuration shared by every component.
type Configuration struct {
	Gateway             GatewayConfig          `mapstructure:"gateway" json:"gateway"`
	Nodes               map[string]*NodeConfig `mapstructure:"nodes" json:"nodes"`
	MeasurementCampaign CampaignMetadata       `mapstructure:"measurement_campaign" json:"measurement_campaign"`
}

// Default returns the configuration for a single default node "0".
func Default() *Configuration {
	cfg := &Configuration{
		Gateway: DefaultGateway(),
		Nodes:   map[string]*NodeConfig{"0": DefaultNode()},
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate checks the whole configuration and computes derived values. It
// must be called before the configuration is shared.
func (c *Configuration) Validate() error {
	if c.Gateway.Endian != "little" && c.Gateway.Endian != "big" {
		return fmt.Errorf("gateway: endian must be \"little\" or \"big\", got %q", c.Gateway.Endian)
	}
	if c.Gateway.BaudRate <= 0 {
		return fmt.Errorf("gateway: baudrate must be positive, got %d", c.Gateway.BaudRate)
	}
	if c.Gateway.PacketKey < 0 || c.Gateway.PacketKey > 0xFF {
		return fmt.Errorf("gateway: packet_key %d is not a byte", c.Gateway.PacketKey)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes: at least one node must be configured")
	}

	for _, nodeID := range c.NodeIDs() {
		node := c.Nodes[nodeID]
		id, err := strconv.Atoi(nodeID)
		if err != nil {
			return fmt.Errorf("nodes: node id %q is not numeric", nodeID)
		}
		lead := c.Gateway.PacketKeyOffset + id
		if lead < 0 || lead > 0xFF {
			return fmt.Errorf("nodes: node %s: leading byte %d is out of range", nodeID, lead)
		}
		if lead == c.Gateway.PacketKey {
			return fmt.Errorf("nodes: node %s: leading byte collides with the base station packet key", nodeID)
		}
		if err := node.validate(nodeID); err != nil {
			return err
		}
	}
	return nil
}

// NodeIDs returns the configured node ids in sorted order.
func (c *Configuration) NodeIDs() []string {
	ids := make([]string, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LeadingByte returns the byte that prefixes frames from the given node, or
// the base station packet key when nodeID is BaseStationID.
func (c *Configuration) LeadingByte(nodeID string) byte {
	if nodeID == BaseStationID {
		return byte(c.Gateway.PacketKey)
	}
	return byte(c.Gateway.PacketKeyOffset + mustAtoi(nodeID))
}

// LeadingBytes maps every known leading byte to its origin id.
func (c *Configuration) LeadingBytes() map[byte]string {
	out := map[byte]string{byte(c.Gateway.PacketKey): BaseStationID}
	for _, nodeID := range c.NodeIDs() {
		out[c.LeadingByte(nodeID)] = nodeID
	}
	return out
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return n
}
