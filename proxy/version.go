package proxy

import (
	"github.com/google/uuid"
	"github.com/user/companion-proxy/logger"
)

// Properties holding the service UUID advertised for each protocol version
const (
	PropertyL2capGattUUID = "companion.proxy.l2cap_gatt_uuid"
	PropertyL2capUUID     = "companion.proxy.l2cap_uuid"
)

// PropertySource reads system properties; an empty string means unset
type PropertySource interface {
	Get(key string) string
}

// ProtocolVersion is a negotiated proxy protocol
type ProtocolVersion struct {
	Code        int
	ServiceUUID uuid.UUID
}

// LegacyVersion is used when nothing better is shared with the peer
var LegacyVersion = ProtocolVersion{Code: VersionLegacyRfcomm, ServiceUUID: LegacyRfcommUUID}

// VersionCandidate is one protocol version we may offer
type VersionCandidate struct {
	Code         int
	Enabled      func() bool
	UUIDProperty string
}

// DefaultVersionCandidates returns the supported versions, most preferred first
func DefaultVersionCandidates(l2capGattEnabled, l2capEnabled bool) []VersionCandidate {
	return []VersionCandidate{
		{Code: VersionL2capGatt, Enabled: func() bool { return l2capGattEnabled }, UUIDProperty: PropertyL2capGattUUID},
		{Code: VersionL2cap, Enabled: func() bool { return l2capEnabled }, UUIDProperty: PropertyL2capUUID},
	}
}

// VersionNegotiator picks the best protocol version the peer also advertises
type VersionNegotiator struct {
	props      PropertySource
	candidates []VersionCandidate
}

// NewVersionNegotiator creates a negotiator over candidates in preference order
func NewVersionNegotiator(props PropertySource, candidates []VersionCandidate) *VersionNegotiator {
	return &VersionNegotiator{
		props:      props,
		candidates: candidates,
	}
}

// Negotiate returns the first enabled candidate whose UUID the peer advertises,
// or LegacyVersion
func (n *VersionNegotiator) Negotiate(advertised []uuid.UUID) ProtocolVersion {
	offered := make(map[uuid.UUID]bool, len(advertised))
	for _, id := range advertised {
		offered[id] = true
	}

	for _, c := range n.candidates {
		if c.Enabled != nil && !c.Enabled() {
			continue
		}

		raw := n.props.Get(c.UUIDProperty)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			logger.Warn("Version", "Ignoring version %d: bad UUID %q in %s: %v", c.Code, raw, c.UUIDProperty, err)
			continue
		}

		if offered[id] {
			logger.Debug("Version", "Negotiated protocol version %d (%s)", c.Code, id)
			return ProtocolVersion{Code: c.Code, ServiceUUID: id}
		}
	}

	logger.Debug("Version", "Falling back to legacy protocol version %d", LegacyVersion.Code)
	return LegacyVersion
}
