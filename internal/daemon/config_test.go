package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"RESERVED_HCI", "PULSE_SERVER", "SYNCSONIC_MIC_SOURCE",
		"SYNCSONIC_DEBUG_DIR", "SYNCSONIC_LOG_LEVEL",
		"SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg := LoadConfig()
	if cfg.ReservedHCI != "" {
		t.Errorf("ReservedHCI = %q, want empty", cfg.ReservedHCI)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ClassicPairingTriggersScan {
		t.Errorf("ClassicPairingTriggersScan = true, want false by default")
	}
	want := filepath.Join(os.TempDir(), "syncsonic_debug")
	if cfg.DebugDir != want {
		t.Errorf("DebugDir = %q, want %q", cfg.DebugDir, want)
	}
}

func TestLoadConfigReadsOverrides(t *testing.T) {
	clearEnv(t)

	os.Setenv("RESERVED_HCI", "hci1")
	os.Setenv("SYNCSONIC_LOG_LEVEL", "debug")
	os.Setenv("SYNCSONIC_DEBUG_DIR", "/tmp/custom-debug")
	os.Setenv("SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN", "1")

	cfg := LoadConfig()
	if cfg.ReservedHCI != "hci1" {
		t.Errorf("ReservedHCI = %q, want hci1", cfg.ReservedHCI)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.DebugDir != "/tmp/custom-debug" {
		t.Errorf("DebugDir = %q, want /tmp/custom-debug", cfg.DebugDir)
	}
	if !cfg.ClassicPairingTriggersScan {
		t.Errorf("ClassicPairingTriggersScan = false, want true")
	}
}

func TestLoadConfigClassicPairingTriggersScanRequiresExactlyOne(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN", "true")

	cfg := LoadConfig()
	if cfg.ClassicPairingTriggersScan {
		t.Errorf("expected only the literal \"1\" to enable the flag, got true for \"true\"")
	}
}
