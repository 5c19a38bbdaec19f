package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a configuration file (JSON or YAML) and merges it over the
// defaults. Missing sections fall back to default values; unknown top-level
// keys are rejected to catch old-format files early.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}

	cfg, err := FromMap(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	return cfg, nil
}

// FromMap builds a validated Configuration from a raw settings map. Each
// present section overrides the corresponding defaults; nodes given in the
// map replace the default node set entirely.
func FromMap(settings map[string]interface{}) (*Configuration, error) {
	for key := range settings {
		switch strings.ToLower(key) {
		case "gateway", "nodes", "measurement_campaign":
		default:
			return nil, fmt.Errorf(
				"unknown top-level key %q (expected gateway, nodes or measurement_campaign); old-format configuration?", key)
		}
	}

	v := viper.New()
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("merge settings: %w", err)
	}

	cfg := &Configuration{
		Gateway: DefaultGateway(),
		Nodes:   map[string]*NodeConfig{},
	}

	if err := v.UnmarshalKey("gateway", &cfg.Gateway); err != nil {
		return nil, fmt.Errorf("gateway section: %w", err)
	}
	if err := v.UnmarshalKey("measurement_campaign", &cfg.MeasurementCampaign); err != nil {
		return nil, fmt.Errorf("measurement_campaign section: %w", err)
	}

	nodes := v.GetStringMap("nodes")
	if len(nodes) == 0 {
		cfg.Nodes["0"] = DefaultNode()
	} else {
		for nodeID := range nodes {
			node := DefaultNode()
			if err := v.UnmarshalKey("nodes."+nodeID, node); err != nil {
				return nil, fmt.Errorf("node %s section: %w", nodeID, err)
			}
			// Periods present in a round-tripped sidecar are ignored; they
			// are always rederived from frequencies.
			cfg.Nodes[nodeID] = node
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MarshalJSON serialises a node including its derived periods, matching the
// configuration sidecar format.
func (n *NodeConfig) MarshalJSON() ([]byte, error) {
	type alias NodeConfig
	return json.Marshal(struct {
		*alias
		Periods map[string]float64 `json:"periods"`
	}{(*alias)(n), n.Periods()})
}
