package network

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
	"text/tabwriter"

	"github.com/user/companion-proxy/logger"
)

const sessionTag = "Session"

// SessionListener is told when the arbiter drops an agent this caller created
type SessionListener interface {
	OnNetworkAgentUnwanted(netID int)
}

// SessionListenerFunc adapts a function to SessionListener
type SessionListenerFunc func(netID int)

func (f SessionListenerFunc) OnNetworkAgentUnwanted(netID int) { f(netID) }

// AgentHandle identifies an agent in the registry; zero means none
type AgentHandle uint64

type agentEntry struct {
	agent    Agent
	info     NetworkInfo
	listener SessionListener
}

// SessionManager owns the proxy network agent and its advertising factory.
//
// All state lives on one Looper goroutine. Mutating methods queue a message and
// return immediately; query methods wait for every earlier message to run, so
// they must not be called from a SessionListener.
type SessionManager struct {
	loop    *Looper
	arbiter Arbiter
	link    *LinkPropertiesBuilder

	// owned by loop
	factory       Factory
	factoryScore  int
	capabilities  Capabilities
	score         int
	companionName string
	agents        map[AgentHandle]*agentEntry
	nextHandle    AgentHandle
	current       AgentHandle
}

// NewSessionManager registers the proxy factory with the arbiter and starts the loop
func NewSessionManager(arbiter Arbiter, link *LinkPropertiesBuilder, initialScore int) (*SessionManager, error) {
	caps := ProxyCapabilities(false)
	factory, err := arbiter.RegisterFactory(caps, initialScore)
	if err != nil {
		return nil, fmt.Errorf("network: register proxy factory: %w", err)
	}

	return &SessionManager{
		loop:         NewLooper(),
		arbiter:      arbiter,
		link:         link,
		factory:      factory,
		factoryScore: initialScore,
		capabilities: caps,
		score:        initialScore,
		agents:       make(map[AgentHandle]*agentEntry),
	}, nil
}

// Close stops the loop after running queued messages; later calls are dropped
func (m *SessionManager) Close() {
	m.loop.Quit()
}

func (m *SessionManager) post(op string, fn func()) {
	if !m.loop.Post(fn) {
		logger.Warn(sessionTag, "Dropping %s: session manager closed", op)
	}
}

// MaybeSetUpNetworkAgent creates an agent unless one is already current
func (m *SessionManager) MaybeSetUpNetworkAgent(reason, companionName string, listener SessionListener) {
	m.post("MaybeSetUpNetworkAgent", func() {
		m.maybeSetUpNetworkAgent(reason, companionName, listener)
	})
}

// SetUpNetworkAgent always creates a new current agent. A previous agent stays
// registered until the arbiter reports it unwanted.
func (m *SessionManager) SetUpNetworkAgent(reason, companionName string, listener SessionListener) {
	m.post("SetUpNetworkAgent", func() {
		m.setUpNetworkAgent(reason, companionName, listener)
	})
}

// SetConnected marks the current agent connected
func (m *SessionManager) SetConnected(reason, companionName string) {
	m.post("SetConnected", func() { m.setConnected(reason, companionName) })
}

// SetDisconnected marks the current agent disconnected and unregisters it from
// the arbiter. The registry entry stays until the agent is reported unwanted.
func (m *SessionManager) SetDisconnected(reason, companionName string) {
	m.post("SetDisconnected", func() { m.setDisconnected(reason, companionName) })
}

// InvalidateCurrentNetworkAgent forgets the current agent without touching the registry
func (m *SessionManager) InvalidateCurrentNetworkAgent() {
	m.post("InvalidateCurrentNetworkAgent", m.invalidateCurrentNetworkAgent)
}

// SetNetworkScore caches the score, sends it to the current agent when it
// changes and raises the factory filter when it is the highest yet
func (m *SessionManager) SetNetworkScore(score int) {
	m.post("SetNetworkScore", func() { m.setNetworkScore(score) })
}

// SetMetered updates the metered capability on the current agent and factory
func (m *SessionManager) SetMetered(metered bool) {
	m.post("SetMetered", func() { m.setMetered(metered) })
}

// SetDNSServers merges synced DNS servers into the link and pushes it to the current agent
func (m *SessionManager) SetDNSServers(servers []netip.Addr) {
	servers = append([]netip.Addr(nil), servers...)
	m.post("SetDNSServers", func() { m.setDNSServers(servers) })
}

// SetCompanionName sets the name reported with state changes
func (m *SessionManager) SetCompanionName(name string) {
	m.post("SetCompanionName", func() { m.companionName = name })
}

// StartNetworkSession brings the proxy network up on iface, reusing a current agent
func (m *SessionManager) StartNetworkSession(reason, iface string, mtu int, listener SessionListener) {
	m.post("StartNetworkSession", func() {
		if iface != "" {
			if err := m.link.SetInterface(iface, mtu); err != nil {
				logger.Error(sessionTag, "❌ Keeping interface %s: %v", m.link.Build().InterfaceName, err)
			}
		}
		m.maybeSetUpNetworkAgent(reason, m.companionName, listener)
		m.setConnected(reason, m.companionName)
	})
}

// StopNetworkSession disconnects the current agent and forgets it
func (m *SessionManager) StopNetworkSession(reason string) {
	m.post("StopNetworkSession", func() {
		m.setDisconnected(reason, m.companionName)
		m.invalidateCurrentNetworkAgent()
	})
}

// NetworkScore returns the cached score
func (m *SessionManager) NetworkScore() int {
	var score int
	m.loop.Call(func() { score = m.score })
	return score
}

// CurrentAgent returns the current agent handle
func (m *SessionManager) CurrentAgent() (AgentHandle, bool) {
	var h AgentHandle
	m.loop.Call(func() { h = m.current })
	return h, h != 0
}

// CurrentNetID returns the arbiter's id for the current agent, or InvalidNetID
func (m *SessionManager) CurrentNetID() int {
	netID := InvalidNetID
	m.loop.Call(func() {
		if e := m.agents[m.current]; e != nil {
			if id, ok := e.agent.NetID(); ok {
				netID = id
			}
		}
	})
	return netID
}

// AgentCount returns how many agents are registered
func (m *SessionManager) AgentCount() int {
	var n int
	m.loop.Call(func() { n = len(m.agents) })
	return n
}

// AgentInfo returns the connectivity record of a registered agent
func (m *SessionManager) AgentInfo(h AgentHandle) (NetworkInfo, bool) {
	var info NetworkInfo
	var ok bool
	m.loop.Call(func() {
		if e := m.agents[h]; e != nil {
			info, ok = e.info, true
		}
	})
	return info, ok
}

// Sync waits until every earlier message has run
func (m *SessionManager) Sync() {
	m.loop.Call(func() {})
}

// Dump writes the current agent, score and registry
func (m *SessionManager) Dump(w io.Writer) {
	ok := m.loop.Call(func() {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "current agent:\t%s\n", m.describe(m.current))
		fmt.Fprintf(tw, "network score:\t%d\n", m.score)
		fmt.Fprintf(tw, "factory score filter:\t%d\n", m.factoryScore)
		fmt.Fprintf(tw, "capabilities:\t%s\n", m.capabilities)
		fmt.Fprintf(tw, "companion:\t%s\n", m.companionName)
		lp := m.link.Build()
		fmt.Fprintf(tw, "interface:\t%s mtu=%d\n", lp.InterfaceName, lp.MTU)
		fmt.Fprintf(tw, "dns servers:\t%v\n", lp.DNSServers)
		fmt.Fprintf(tw, "agents:\t%d\n", len(m.agents))

		handles := make([]AgentHandle, 0, len(m.agents))
		for h := range m.agents {
			handles = append(handles, h)
		}
		sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
		for _, h := range handles {
			fmt.Fprintf(tw, "  %s\t%s\n", m.describe(h), m.agents[h].info)
		}
		tw.Flush()
	})
	if !ok {
		fmt.Fprintln(w, "session manager closed")
	}
}

func (m *SessionManager) describe(h AgentHandle) string {
	e := m.agents[h]
	if e == nil {
		return "none"
	}
	if id, ok := e.agent.NetID(); ok {
		return fmt.Sprintf("#%d netId=%d", h, id)
	}
	return fmt.Sprintf("#%d netId=unknown", h)
}

// ============================================================================
// Loop-side handlers
// ============================================================================

func (m *SessionManager) maybeSetUpNetworkAgent(reason, companionName string, listener SessionListener) {
	if m.current != 0 {
		logger.Debug(sessionTag, "Reusing network agent %s", m.describe(m.current))
		return
	}
	m.setUpNetworkAgent(reason, companionName, listener)
}

func (m *SessionManager) setUpNetworkAgent(reason, companionName string, listener SessionListener) {
	if m.current != 0 {
		logger.Info(sessionTag, "Replacing network agent %s", m.describe(m.current))
	}

	info := NewNetworkInfo()
	info.SetDetailedState(StateConnecting, reason, companionName)

	m.nextHandle++
	handle := m.nextHandle
	agent, err := m.arbiter.RegisterAgent(AgentConfig{
		Name:           "CompanionProxyAgent",
		Capabilities:   m.capabilities,
		LinkProperties: m.link.Build(),
		Score:          m.score,
		Info:           info,
	}, func() {
		m.post("onAgentUnwanted", func() { m.onAgentUnwanted(handle) })
	})
	if err != nil {
		logger.Error(sessionTag, "❌ Unable to register network agent: %v", err)
		return
	}

	m.agents[handle] = &agentEntry{
		agent:    agent,
		info:     info,
		listener: listener,
	}
	m.current = handle
	logger.Info(sessionTag, "✅ Created network agent %s (%s)", m.describe(handle), reason)
}

func (m *SessionManager) setConnected(reason, companionName string) {
	e := m.agents[m.current]
	if e == nil {
		logger.Warn(sessionTag, "No network agent to mark connected")
		return
	}
	e.info.SetDetailedState(StateConnected, reason, companionName)
	e.agent.SendNetworkInfo(e.info)
	e.agent.MarkConnected()
	logger.Info(sessionTag, "📶 Network agent %s connected (%s)", m.describe(m.current), reason)
}

func (m *SessionManager) setDisconnected(reason, companionName string) {
	e := m.agents[m.current]
	if e == nil {
		logger.Warn(sessionTag, "No network agent to mark disconnected")
		return
	}
	e.info.SetDetailedState(StateDisconnected, reason, companionName)
	e.agent.SendNetworkInfo(e.info)
	e.agent.Unregister()
	logger.Info(sessionTag, "Network agent %s disconnected (%s)", m.describe(m.current), reason)
}

func (m *SessionManager) invalidateCurrentNetworkAgent() {
	if m.current != 0 {
		logger.Debug(sessionTag, "Invalidating network agent %s", m.describe(m.current))
	}
	m.current = 0
}

func (m *SessionManager) onAgentUnwanted(h AgentHandle) {
	e := m.agents[h]
	if e == nil {
		logger.Error(sessionTag, "Unwanted agent #%d is not registered", h)
		return
	}

	netID, ok := e.agent.NetID()
	if !ok {
		netID = InvalidNetID
	}

	delete(m.agents, h)
	if m.current == h {
		m.current = 0
	}
	logger.Info(sessionTag, "Network agent #%d (netId=%d) unwanted, %d left", h, netID, len(m.agents))

	if e.listener != nil {
		e.listener.OnNetworkAgentUnwanted(netID)
	}
}

func (m *SessionManager) setNetworkScore(score int) {
	if score > m.factoryScore {
		m.factory.SetScoreFilter(score)
		m.factoryScore = score
	}

	if score == m.score {
		return
	}
	m.score = score

	if e := m.agents[m.current]; e != nil {
		e.agent.SendScore(score)
	}
}

func (m *SessionManager) setMetered(metered bool) {
	caps := m.capabilities.WithMetered(metered)
	if caps == m.capabilities {
		return
	}
	m.capabilities = caps
	m.factory.SetCapabilityFilter(caps)

	if e := m.agents[m.current]; e != nil {
		e.agent.SendCapabilities(caps)
	}
}

func (m *SessionManager) setDNSServers(servers []netip.Addr) {
	if err := m.link.SetDNSServers(servers); err != nil {
		logger.Error(sessionTag, "❌ Keeping DNS servers: %v", err)
		return
	}
	if e := m.agents[m.current]; e != nil {
		e.agent.SendLinkProperties(m.link.Build())
	}
}
