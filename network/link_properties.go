package network

import (
	"errors"
	"fmt"
	"net/netip"
)

// Proxy link defaults, used until a session supplies its own interface
const (
	DefaultInterfaceName = "lo"
	DefaultMTU           = 1500

	minMTU = 68
	maxMTU = 65535
)

var (
	ErrInvalidRoute     = errors.New("network: invalid route")
	ErrDuplicateRoute   = errors.New("network: route already present")
	ErrInvalidDNSServer = errors.New("network: invalid DNS server")
	ErrInvalidInterface = errors.New("network: invalid interface")
)

var (
	defaultDNSServers = []netip.Addr{
		netip.MustParseAddr("8.8.8.8"),
		netip.MustParseAddr("8.8.4.4"),
	}
	localEditionDNSServers = []netip.Addr{
		netip.MustParseAddr("114.114.114.114"),
		netip.MustParseAddr("223.5.5.5"),
	}

	loopbackGateway = netip.MustParseAddr("127.0.0.1")
	defaultRoute    = netip.MustParsePrefix("0.0.0.0/0")
)

// Route sends Destination through Gateway on Interface
type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Interface   string
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s dev %s", r.Destination, r.Gateway, r.Interface)
}

// LinkProperties is the IP configuration attached to a network agent
type LinkProperties struct {
	InterfaceName string
	MTU           int
	Routes        []Route
	DNSServers    []netip.Addr
}

// AddRoute appends a route; invalid or duplicate routes are rejected
func (lp *LinkProperties) AddRoute(r Route) error {
	if !r.Destination.IsValid() || !r.Gateway.IsValid() || r.Interface == "" {
		return fmt.Errorf("%w: %s", ErrInvalidRoute, r)
	}
	for _, existing := range lp.Routes {
		if existing == r {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, r)
		}
	}
	lp.Routes = append(lp.Routes, r)
	return nil
}

// Clone returns a deep copy
func (lp LinkProperties) Clone() LinkProperties {
	out := lp
	out.Routes = append([]Route(nil), lp.Routes...)
	out.DNSServers = append([]netip.Addr(nil), lp.DNSServers...)
	return out
}

// LinkPropertiesBuilder owns the proxy link configuration: one default route
// through the loopback gateway and the DNS server list.
type LinkPropertiesBuilder struct {
	localEdition bool
	props        LinkProperties
}

// NewLinkPropertiesBuilder builds the default link. It panics if the mandatory
// route cannot be added, since the link would be unusable.
func NewLinkPropertiesBuilder(localEdition bool) *LinkPropertiesBuilder {
	b := &LinkPropertiesBuilder{localEdition: localEdition}

	props, err := newLink(DefaultInterfaceName, DefaultMTU)
	if err != nil {
		panic(fmt.Sprintf("network: unable to build proxy link: %v", err))
	}
	props.DNSServers = b.fallbackDNSServers()
	b.props = props
	return b
}

func newLink(name string, mtu int) (LinkProperties, error) {
	props := LinkProperties{
		InterfaceName: name,
		MTU:           mtu,
	}
	err := props.AddRoute(Route{
		Destination: defaultRoute,
		Gateway:     loopbackGateway,
		Interface:   name,
	})
	return props, err
}

func (b *LinkPropertiesBuilder) fallbackDNSServers() []netip.Addr {
	if b.localEdition {
		return append([]netip.Addr(nil), localEditionDNSServers...)
	}
	return append([]netip.Addr(nil), defaultDNSServers...)
}

// SetDNSServers merges synced servers with the fallback list. With no synced
// servers the full fallback list is used; otherwise the first fallback server
// is put in front of the synced ones. On error the previous list is kept.
func (b *LinkPropertiesBuilder) SetDNSServers(synced []netip.Addr) error {
	fallback := b.fallbackDNSServers()
	if len(synced) == 0 {
		b.props.DNSServers = fallback
		return nil
	}

	merged := make([]netip.Addr, 0, len(synced)+1)
	merged = append(merged, fallback[0])
	for _, addr := range synced {
		if !addr.IsValid() || addr.IsUnspecified() {
			return fmt.Errorf("%w: %v", ErrInvalidDNSServer, addr)
		}
		merged = append(merged, addr)
	}

	b.props.DNSServers = merged
	return nil
}

// SetInterface moves the link and its route onto another interface. On error
// the previous interface is kept.
func (b *LinkPropertiesBuilder) SetInterface(name string, mtu int) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInterface)
	}
	if mtu < minMTU || mtu > maxMTU {
		return fmt.Errorf("%w: mtu %d out of range", ErrInvalidInterface, mtu)
	}

	props, err := newLink(name, mtu)
	if err != nil {
		return err
	}
	props.DNSServers = b.props.DNSServers
	b.props = props
	return nil
}

// Build returns a copy of the current link configuration
func (b *LinkPropertiesBuilder) Build() LinkProperties {
	return b.props.Clone()
}
