package bluetooth

import "encoding/json"

type PanState int

const (
	PanDisconnected PanState = iota
	PanConnecting
	PanConnected
)

func (s PanState) String() string {
	switch s {
	case PanConnecting:
		return "connecting"
	case PanConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PanStatus is the PAN session state of a device. Interface is only set
// when State is PanConnected.
type PanStatus struct {
	State     PanState
	Interface string
}

func Disconnected() PanStatus { return PanStatus{State: PanDisconnected} }

func Connecting() PanStatus { return PanStatus{State: PanConnecting} }

func Connected(iface string) PanStatus {
	return PanStatus{State: PanConnected, Interface: iface}
}

func (s PanStatus) String() string {
	if s.State == PanConnected {
		return s.State.String() + "(" + s.Interface + ")"
	}
	return s.State.String()
}

func (s PanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State     string `json:"state"`
		Interface string `json:"interface,omitempty"`
	}{s.State.String(), s.Interface})
}
