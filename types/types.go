// Package types holds the wire-facing data model shared by the services:
// device identity and capabilities, polled status, session state, sequence
// and trigger definitions, and the broadcast message envelopes.
package types

// ---- Device identity ----

type Kind string

const (
	KindPowerSupply    Kind = "power-supply"
	KindElectronicLoad Kind = "electronic-load"
	KindOscilloscope   Kind = "oscilloscope"
)

// Unit is a measurement/output unit tag.
type Unit string

const (
	UnitVolt Unit = "V"
	UnitAmp  Unit = "A"
	UnitWatt Unit = "W"
	UnitOhm  Unit = "Ω"
)

func ValidUnit(u Unit) bool {
	switch u {
	case UnitVolt, UnitAmp, UnitWatt, UnitOhm:
		return true
	}
	return false
}

// Mode is an instrument operating mode.
type Mode string

const (
	ModeCV Mode = "CV" // constant voltage
	ModeCC Mode = "CC" // constant current
	ModeCR Mode = "CR" // constant resistance
	ModeCP Mode = "CP" // constant power
)

// DeviceInfo is assigned once by driver probe and never changes.
type DeviceInfo struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial,omitempty"`
}

// ---- Capabilities ----

// OutputSpec describes one settable output channel.
type OutputSpec struct {
	Name     string  `json:"name"`
	Unit     Unit    `json:"unit"`
	Decimals int     `json:"decimals"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Modes    []Mode  `json:"modes,omitempty"` // empty = valid in every mode
}

// MeasurementSpec describes one read-back channel.
type MeasurementSpec struct {
	Name     string `json:"name"`
	Unit     Unit   `json:"unit"`
	Decimals int    `json:"decimals"`
}

// ListSpec describes native list-mode support, if any.
type ListSpec struct {
	MaxSteps int    `json:"maxSteps"`
	Modes    []Mode `json:"modes,omitempty"`
}

// Capabilities is immutable after probe.
type Capabilities struct {
	Modes        []Mode            `json:"modes"`
	ModeSettable bool              `json:"modeSettable"` // false = mode is inferred, not commanded
	Outputs      []OutputSpec      `json:"outputs"`
	Measurements []MeasurementSpec `json:"measurements"`
	List         *ListSpec         `json:"list,omitempty"`
}

func (c Capabilities) Output(name string) (OutputSpec, bool) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return OutputSpec{}, false
}

func (c Capabilities) Measurement(name string) (MeasurementSpec, bool) {
	for _, m := range c.Measurements {
		if m.Name == name {
			return m, true
		}
	}
	return MeasurementSpec{}, false
}

func (c Capabilities) HasMode(m Mode) bool {
	for _, x := range c.Modes {
		if x == m {
			return true
		}
	}
	return false
}

// ---- Polled status ----

// DeviceStatus is the snapshot one poll produces.
type DeviceStatus struct {
	Mode          Mode               `json:"mode"`
	OutputEnabled bool               `json:"outputEnabled"`
	Setpoints     map[string]float64 `json:"setpoints"`
	Measurements  map[string]float64 `json:"measurements"`
	ListRunning   *bool              `json:"listRunning,omitempty"`
}

// ---- Session state ----

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// History is a bounded time series of the standard measurements.
// All slices are index-aligned; Resistance is initialised lazily on first
// observation and stays aligned from then on.
type History struct {
	Timestamps []int64   `json:"timestamps"` // unix ms, non-decreasing
	Voltage    []float64 `json:"voltage"`
	Current    []float64 `json:"current"`
	Power      []float64 `json:"power"`
	Resistance []float64 `json:"resistance,omitempty"`
}

// SessionState is the session's authoritative model of one device.
type SessionState struct {
	Info              DeviceInfo       `json:"info"`
	Capabilities      Capabilities     `json:"capabilities"`
	ConnectionStatus  ConnectionStatus `json:"connectionStatus"`
	ConsecutiveErrors int              `json:"consecutiveErrors"`
	Status            DeviceStatus     `json:"status"`
	History           History          `json:"history"`
	LastUpdated       int64            `json:"lastUpdated"` // unix ms
}

// DeviceSummary is the listing row for one session.
type DeviceSummary struct {
	ID               string           `json:"id"`
	Info             DeviceInfo       `json:"info"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Alias            string           `json:"alias,omitempty"`
}

// DeviceAnnounce is the retained bus payload published when a session is
// created or reconnected, so late subscribers learn identity without a poll.
type DeviceAnnounce struct {
	Info         DeviceInfo   `json:"info"`
	Capabilities Capabilities `json:"capabilities"`
}
