package daemon

import (
	"os"
	"path/filepath"
)

// Config is every environment-sourced knob C9 wires the rest of the daemon
// with, grounded on the teacher's socketPath/configPath env-with-fallback
// style (RESERVED_HCI mirrors RESERVED_HCI's role in the prior Python
// daemon's bus_manager.py; the rest are this port's own).
type Config struct {
	// ReservedHCI names the BLE adapter ("hci0", …). Empty falls back to
	// the first UART-bus adapter, spec.md §4.1.
	ReservedHCI string
	// PulseServer is the PulseAudio server address ("" selects the
	// default, typically the user's session socket).
	PulseServer string
	// MicSource names the PulseAudio source C8 records from ("" selects
	// the default source).
	MicSource string
	// DebugDir is where C8 persists its wav/spectrogram/meta bundle.
	DebugDir string
	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string
	// ClassicPairingTriggersScan resolves SPEC_FULL §12's 0x66 Open
	// Question. main.go does not read this field;
	// internal/gatt.NewDispatcher reads the same env var itself.
	ClassicPairingTriggersScan bool
}

// LoadConfig reads Config from the environment, applying the same
// fallback defaults the teacher's configPath/socketPath helpers used.
func LoadConfig() Config {
	debugDir := os.Getenv("SYNCSONIC_DEBUG_DIR")
	if debugDir == "" {
		debugDir = filepath.Join(os.TempDir(), "syncsonic_debug")
	}
	logLevel := os.Getenv("SYNCSONIC_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	return Config{
		ReservedHCI:                os.Getenv("RESERVED_HCI"),
		PulseServer:                os.Getenv("PULSE_SERVER"),
		MicSource:                  os.Getenv("SYNCSONIC_MIC_SOURCE"),
		DebugDir:                   debugDir,
		LogLevel:                   logLevel,
		ClassicPairingTriggersScan: os.Getenv("SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN") == "1",
	}
}
