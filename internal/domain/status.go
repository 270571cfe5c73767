// Package domain contains call entities without logic, just meta-data
package domain

import "fmt"

type CallStatus int

const (
	StatusDisconnected CallStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s CallStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// CanJoin reports whether a join may start from this status.
func (s CallStatus) CanJoin() bool {
	return s == StatusDisconnected || s == StatusError
}

// Live reports whether provider events are applied in this status.
func (s CallStatus) Live() bool {
	return s == StatusConnecting || s == StatusConnected
}

func (s CallStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CallStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = StatusDisconnected
	case "connecting":
		*s = StatusConnecting
	case "connected":
		*s = StatusConnected
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("unknown call status %q", b)
	}
	return nil
}
