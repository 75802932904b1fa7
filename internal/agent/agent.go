// Package agent implements org.bluez.Agent1 so pairing with a phone never
// blocks on a human at a keyboard: SyncSonic speakers pair with a fixed PIN
// and auto-confirm/auto-authorize known MACs, the same policy the prior
// Python daemon's PhonePairingAgent enforced.
package agent

import (
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
	"github.com/syncsonic/syncsonicd/internal/registry"
)

const (
	// Path is where this agent is exported on the session/system bus.
	Path = dbus.ObjectPath("/org/syncsonic/agent")
	// Capability is registered with AgentManager1.RegisterAgent — no
	// display, no keyboard, matching a headless speaker box.
	Capability = "NoInputNoOutput"
	// fixedPIN is returned from RequestPinCode, mirroring
	// connection_agent.py's RequestPinCode -> "0000".
	fixedPIN = "0000"

	agentManagerIface = "org.bluez.AgentManager1"
	agentManagerPath  = dbus.ObjectPath("/org/bluez")
)

// Agent implements org.bluez.Agent1. Every method is exported over D-Bus
// via dbus.Export in Register.
type Agent struct {
	reg *registry.Registry
	log zerolog.Logger
}

// New builds an Agent whose authorization decisions consult reg's
// allow-list.
func New(reg *registry.Registry, log zerolog.Logger) *Agent {
	return &Agent{reg: reg, log: log.With().Str("component", "agent").Logger()}
}

// Register exports a onto conn at Path and tells BlueZ to use it as the
// default agent, mirroring the teacher's verbose step-by-step Export error
// wrapping style and car-copilot-car-pi-control's
// agent.ExposeAgent/RegisterAgent/RequestDefaultAgent call sequence,
// reimplemented against raw dbus.Export instead of muka/go-bluetooth.
func Register(conn *dbus.Conn, a *Agent) error {
	if err := conn.Export(a, Path, "org.bluez.Agent1"); err != nil {
		return err
	}
	obj := conn.Object(bluez.BusName, agentManagerPath)
	if call := obj.Call(agentManagerIface+".RegisterAgent", 0, Path, Capability); call.Err != nil {
		return call.Err
	}
	if call := obj.Call(agentManagerIface+".RequestDefaultAgent", 0, Path); call.Err != nil {
		return call.Err
	}
	return nil
}

func (a *Agent) macFromDevice(device dbus.ObjectPath) (bluez.MAC, bool) {
	return bluez.MACFromDevicePath(string(device))
}

// Release is called by BlueZ when the agent is unregistered.
func (a *Agent) Release() *dbus.Error {
	a.log.Debug().Msg("agent released")
	return nil
}

// AuthorizeService auto-authorizes every service for a MAC the registry
// allows, mirroring connection_agent.py's AuthorizeService.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	mac, ok := a.macFromDevice(device)
	if ok && !a.reg.Allowed(mac) {
		a.log.Warn().Str("mac", mac.String()).Str("uuid", uuid).Msg("rejecting unauthorized service")
		return dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	return nil
}

// RequestPinCode returns the fixed PIN every speaker is provisioned with.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	return fixedPIN, nil
}

// RequestPasskey is unused by the numeric-PIN devices this daemon pairs
// with, but BlueZ requires the method to exist on any registered agent.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, nil
}

// DisplayPasskey is a no-op: there is no display to show it on.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

// DisplayPinCode is a no-op: there is no display to show it on.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

// RequestConfirmation auto-confirms, matching connection_agent.py's
// RequestConfirmation returning None unconditionally.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return nil
}

// RequestAuthorization auto-authorizes a plain pairing request.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return nil
}

// Cancel is called by BlueZ when an in-flight request is aborted.
func (a *Agent) Cancel() *dbus.Error {
	a.log.Debug().Msg("agent request canceled")
	return nil
}
