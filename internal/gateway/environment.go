package gateway

import (
	"fmt"
	"strconv"

	"github.com/oliveagle/jsonpath"
	yaml "go.yaml.in/yaml/v3"
)

// EnvironmentClass is the display classification derived from the device id.
type EnvironmentClass struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Environment is the device environment reported from config.yaml.
type Environment struct {
	DeviceID    string           `json:"device_id"`
	ProviderID  string           `json:"provider_id"`
	PluginName  string           `json:"plugin_name"`
	MaxQubits   int              `json:"max_qubits"`
	MaxShots    int              `json:"max_shots"`
	Environment EnvironmentClass `json:"environment"`
}

// Fields of interest inside config.yaml, addressed by JSONPath over the
// parsed tree so nesting changes stay in one place.
const (
	pathDeviceID   = "$.device_info.device_id"
	pathProviderID = "$.device_info.provider_id"
	pathMaxQubits  = "$.device_info.max_qubits"
	pathMaxShots   = "$.device_info.max_shots"
	pathPluginName = "$.plugin.name"
)

// Environment parses config.yaml and reports the device environment.
// Missing fields degrade to "unknown" rather than failing: a partially
// filled config is still reportable. Only a missing or unparseable file is
// an error.
func (g *Gateway) Environment() (*Environment, error) {
	content, err := g.ReadConfig()
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("gateway: parse %s: %w", configFile, err)
	}
	tree := normalizeYAML(parsed)

	env := &Environment{
		DeviceID:   lookupString(tree, pathDeviceID),
		ProviderID: lookupString(tree, pathProviderID),
		PluginName: lookupString(tree, pathPluginName),
		MaxQubits:  lookupInt(tree, pathMaxQubits),
		MaxShots:   lookupInt(tree, pathMaxShots),
	}
	env.Environment = classifyDevice(env.DeviceID)
	return env, nil
}

// classifyDevice maps the device id to its environment class. qulacs is the
// local simulator; anemone is the QiQb hardware installation.
func classifyDevice(deviceID string) EnvironmentClass {
	switch deviceID {
	case "qulacs":
		return EnvironmentClass{
			Name:        "Simulation Environment",
			Type:        "simulation",
			Description: "Qulacs quantum circuit simulator",
		}
	case "anemone":
		return EnvironmentClass{
			Name:        "QiQb Real Hardware",
			Type:        "hardware",
			Description: "Real quantum computer (Anemone)",
		}
	default:
		return EnvironmentClass{
			Name:        "Unknown Environment",
			Type:        "unknown",
			Description: "Device: " + deviceID,
		}
	}
}

// lookup extracts one value from the tree by JSONPath expression.
func lookup(tree any, expression string) (any, error) {
	pattern, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid JSONPath %q: %w", expression, err)
	}
	value, err := pattern.Lookup(tree)
	if err != nil {
		return nil, fmt.Errorf("gateway: %q not found: %w", expression, err)
	}
	return value, nil
}

func lookupString(tree any, expression string) string {
	value, err := lookup(tree, expression)
	if err != nil || value == nil {
		return "unknown"
	}
	return fmt.Sprintf("%v", value)
}

func lookupInt(tree any, expression string) int {
	value, err := lookup(tree, expression)
	if err != nil {
		return 0
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// normalizeYAML converts every mapping to map[string]any so the JSONPath
// walker and json.Marshal both accept the tree regardless of how the YAML
// decoder typed its keys.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
