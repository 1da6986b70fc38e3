package network

import "strings"

// Capabilities is a bitmask of what the proxy network offers
type Capabilities uint32

const (
	CapInternet Capabilities = 1 << iota
	CapNotMetered
	CapNotRestricted
	CapTrusted
	CapNotVPN
	CapNotRoaming
	CapNotCongested
	CapNotSuspended
	CapTransportBluetooth
)

var capabilityNames = []struct {
	c    Capabilities
	name string
}{
	{CapInternet, "INTERNET"},
	{CapNotMetered, "NOT_METERED"},
	{CapNotRestricted, "NOT_RESTRICTED"},
	{CapTrusted, "TRUSTED"},
	{CapNotVPN, "NOT_VPN"},
	{CapNotRoaming, "NOT_ROAMING"},
	{CapNotCongested, "NOT_CONGESTED"},
	{CapNotSuspended, "NOT_SUSPENDED"},
	{CapTransportBluetooth, "TRANSPORT_BLUETOOTH"},
}

// ProxyCapabilities returns what a fresh proxy network advertises
func ProxyCapabilities(metered bool) Capabilities {
	c := CapInternet | CapNotRestricted | CapTrusted | CapNotVPN |
		CapNotRoaming | CapNotCongested | CapNotSuspended | CapTransportBluetooth
	return c.WithMetered(metered)
}

// Has reports whether every bit of other is set
func (c Capabilities) Has(other Capabilities) bool {
	return c&other == other
}

// WithMetered sets or clears NOT_METERED
func (c Capabilities) WithMetered(metered bool) Capabilities {
	if metered {
		return c &^ CapNotMetered
	}
	return c | CapNotMetered
}

// Metered reports whether NOT_METERED is absent
func (c Capabilities) Metered() bool {
	return !c.Has(CapNotMetered)
}

func (c Capabilities) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, "&") + "]"
}
