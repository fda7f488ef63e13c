package gateway

import (
	"errors"
	"testing"
)

func writeConfig(t *testing.T, g *Gateway, content string) {
	t.Helper()
	if err := g.WriteConfig(content); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
}

func TestEnvironmentHardware(t *testing.T) {
	g := newGateway(t)
	writeConfig(t, g, sampleConfig)

	env, err := g.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	if env.DeviceID != "anemone" || env.ProviderID != "qiqb" || env.PluginName != "qubex" {
		t.Errorf("identity = %s/%s/%s", env.DeviceID, env.ProviderID, env.PluginName)
	}
	if env.MaxQubits != 64 || env.MaxShots != 10000 {
		t.Errorf("limits = %d qubits / %d shots", env.MaxQubits, env.MaxShots)
	}
	if env.Environment.Type != "hardware" || env.Environment.Name != "QiQb Real Hardware" {
		t.Errorf("classification = %+v", env.Environment)
	}
}

func TestEnvironmentSimulation(t *testing.T) {
	g := newGateway(t)
	writeConfig(t, g, "device_info:\n  device_id: qulacs\n")

	env, err := g.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	if env.Environment.Type != "simulation" {
		t.Errorf("classification = %+v, want simulation", env.Environment)
	}
}

func TestEnvironmentUnknownDevice(t *testing.T) {
	g := newGateway(t)
	writeConfig(t, g, "device_info:\n  device_id: prototype-9\n")

	env, err := g.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	if env.Environment.Type != "unknown" {
		t.Errorf("type = %q, want unknown", env.Environment.Type)
	}
	if env.Environment.Description != "Device: prototype-9" {
		t.Errorf("description = %q", env.Environment.Description)
	}
}

func TestEnvironmentMissingFieldsDegrade(t *testing.T) {
	g := newGateway(t)
	writeConfig(t, g, "other_section:\n  key: value\n")

	env, err := g.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	if env.DeviceID != "unknown" || env.PluginName != "unknown" {
		t.Errorf("missing fields = %s/%s, want unknown", env.DeviceID, env.PluginName)
	}
	if env.MaxQubits != 0 || env.MaxShots != 0 {
		t.Errorf("missing limits = %d/%d, want 0", env.MaxQubits, env.MaxShots)
	}
}

func TestEnvironmentMissingConfig(t *testing.T) {
	g := newGateway(t)
	if _, err := g.Environment(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Environment = %v, want ErrNotFound", err)
	}
}
