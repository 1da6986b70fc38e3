package network

import "fmt"

// DetailedState is the lifecycle of one network agent
type DetailedState int

const (
	StateNotCreated DetailedState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s DetailedState) String() string {
	switch s {
	case StateNotCreated:
		return "NOT_CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Legacy network type metadata reported with every agent
const (
	TypeProxy     = 16
	TypeProxyName = "PROXY"
)

// Reasons reported with state changes
const (
	ReasonConnected    = "SYSPROXY_CONNECTED"
	ReasonDisconnected = "SYSPROXY_DISCONNECTED"
	ReasonWasConnected = "SYSPROXY_WAS_CONNECTED"
	ReasonNoInternet   = "SYSPROXY_NO_INTERNET"
	ReasonClosable     = "CLOSABLE"
)

// NetworkInfo is the connectivity record kept per agent
type NetworkInfo struct {
	Type      int
	TypeName  string
	State     DetailedState
	Reason    string
	ExtraInfo string // companion name
}

// NewNetworkInfo returns a proxy record in NOT_CREATED state
func NewNetworkInfo() NetworkInfo {
	return NetworkInfo{
		Type:     TypeProxy,
		TypeName: TypeProxyName,
		State:    StateNotCreated,
	}
}

// SetDetailedState records a transition
func (n *NetworkInfo) SetDetailedState(state DetailedState, reason, extraInfo string) {
	n.State = state
	n.Reason = reason
	n.ExtraInfo = extraInfo
}

func (n NetworkInfo) String() string {
	return fmt.Sprintf("[type: %s[%d], state: %s, reason: %s, extra: %s]",
		n.TypeName, n.Type, n.State, n.Reason, n.ExtraInfo)
}
