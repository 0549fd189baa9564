package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "agent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL == "" || cfg.HeartbeatInterval.Std() != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("audio defaults not applied: %+v", cfg.Audio)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := []byte(`
server_url: ws://coordinator:8080/ws/edge
device_name: field-01
heartbeat_interval: 10s
reconnect_initial: 500ms
reconnect_max: 60
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatInterval.Std() != 10*time.Second {
		t.Fatalf("heartbeat_interval = %s", cfg.HeartbeatInterval.Std())
	}
	if cfg.ReconnectInitial.Std() != 500*time.Millisecond {
		t.Fatalf("reconnect_initial = %s", cfg.ReconnectInitial.Std())
	}
	// Bare integers are seconds.
	if cfg.ReconnectMax.Std() != 60*time.Second {
		t.Fatalf("reconnect_max = %s", cfg.ReconnectMax.Std())
	}
}

func TestSavePersistsAssignedDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg, _ := LoadConfig(path)
	cfg.DeviceID = "11111111-2222-3333-4444-555555555555"
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatalf("device_id = %q after reload", reloaded.DeviceID)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	os.WriteFile(path, []byte("server_url: \"\"\n"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("empty server_url accepted")
	}
}
