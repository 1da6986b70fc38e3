package network

// InvalidNetID is reported when an agent's network id cannot be resolved
const InvalidNetID = -1

// AgentConfig is everything an agent is created with
type AgentConfig struct {
	Name           string
	Capabilities   Capabilities
	LinkProperties LinkProperties
	Score          int
	Info           NetworkInfo
}

// Arbiter is the host connectivity service that accepts, scores and revokes networks
type Arbiter interface {
	// RegisterAgent creates an agent. onUnwanted is called at most once, from
	// any goroutine, when the arbiter no longer wants the network.
	RegisterAgent(cfg AgentConfig, onUnwanted func()) (Agent, error)

	// RegisterFactory advertises that proxy networks with these capabilities can be brought up
	RegisterFactory(caps Capabilities, score int) (Factory, error)
}

// Agent is one network registered with the arbiter
type Agent interface {
	NetID() (int, bool)
	SendCapabilities(caps Capabilities)
	SendScore(score int)
	SendLinkProperties(lp LinkProperties)
	SendNetworkInfo(info NetworkInfo)
	MarkConnected()
	Unregister()
}

// Factory advertises proxy networks to requests that are not yet satisfied
type Factory interface {
	SetScoreFilter(score int)
	SetCapabilityFilter(caps Capabilities)
}
