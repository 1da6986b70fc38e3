package network

import (
	"errors"
	"sync"

	"github.com/user/companion-proxy/logger"
)

// ErrRegisterFailed is returned by a SimArbiter told to refuse agents
var ErrRegisterFailed = errors.New("network: arbiter refused registration")

// SimArbiter is an in-memory Arbiter. It hands out sequential net ids, records
// what each agent was sent and can revoke agents on demand.
type SimArbiter struct {
	mu        sync.Mutex
	nextNetID int
	agents    []*SimAgent
	factory   *SimFactory

	// RevokeOnUnregister reports an agent unwanted as soon as it unregisters
	RevokeOnUnregister bool
	// HideNetIDs makes NetID fail, as for an agent the arbiter already dropped
	HideNetIDs bool
	// FailRegister makes RegisterAgent fail
	FailRegister bool
}

// NewSimArbiter creates an arbiter whose first net id is 100
func NewSimArbiter() *SimArbiter {
	return &SimArbiter{nextNetID: 100}
}

func (a *SimArbiter) RegisterAgent(cfg AgentConfig, onUnwanted func()) (Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.FailRegister {
		return nil, ErrRegisterFailed
	}

	agent := &SimAgent{
		arbiter:        a,
		netID:          a.nextNetID,
		onUnwanted:     onUnwanted,
		capabilities:   cfg.Capabilities,
		score:          cfg.Score,
		linkProperties: cfg.LinkProperties.Clone(),
		info:           cfg.Info,
	}
	a.nextNetID++
	a.agents = append(a.agents, agent)
	logger.Debug("Arbiter", "Registered agent netId=%d score=%d", agent.netID, cfg.Score)
	return agent, nil
}

func (a *SimArbiter) RegisterFactory(caps Capabilities, score int) (Factory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.factory = &SimFactory{capabilities: caps, scoreFilter: score}
	return a.factory, nil
}

// Factory returns the registered factory
func (a *SimArbiter) Factory() *SimFactory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.factory
}

// Agents returns every agent ever registered, oldest first
func (a *SimArbiter) Agents() []*SimAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*SimAgent(nil), a.agents...)
}

// Agent returns the agent with the given net id, or nil
func (a *SimArbiter) Agent(netID int) *SimAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, agent := range a.agents {
		if agent.netID == netID {
			return agent
		}
	}
	return nil
}

// Revoke reports the agent unwanted. Returns false if it is unknown or already revoked.
func (a *SimArbiter) Revoke(netID int) bool {
	agent := a.Agent(netID)
	if agent == nil {
		return false
	}
	return agent.revoke()
}

func (a *SimArbiter) hideNetIDs() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.HideNetIDs
}

func (a *SimArbiter) revokeOnUnregister() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RevokeOnUnregister
}

// SimAgent records what a SessionManager sent to one agent
type SimAgent struct {
	arbiter    *SimArbiter
	netID      int
	onUnwanted func()

	mu             sync.Mutex
	capabilities   Capabilities
	score          int
	scoreUpdates   int
	linkProperties LinkProperties
	info           NetworkInfo
	connected      bool
	unregistered   bool
	revoked        bool
}

func (s *SimAgent) NetID() (int, bool) {
	if s.arbiter.hideNetIDs() {
		return 0, false
	}
	return s.netID, true
}

func (s *SimAgent) SendCapabilities(caps Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = caps
}

func (s *SimAgent) SendScore(score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score = score
	s.scoreUpdates++
}

func (s *SimAgent) SendLinkProperties(lp LinkProperties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkProperties = lp.Clone()
}

func (s *SimAgent) SendNetworkInfo(info NetworkInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

func (s *SimAgent) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
}

func (s *SimAgent) Unregister() {
	s.mu.Lock()
	s.unregistered = true
	s.mu.Unlock()

	if s.arbiter.revokeOnUnregister() {
		s.revoke()
	}
}

func (s *SimAgent) revoke() bool {
	s.mu.Lock()
	if s.revoked {
		s.mu.Unlock()
		return false
	}
	s.revoked = true
	onUnwanted := s.onUnwanted
	s.mu.Unlock()

	logger.Debug("Arbiter", "Agent netId=%d unwanted", s.netID)
	if onUnwanted != nil {
		onUnwanted()
	}
	return true
}

// ID returns the net id regardless of HideNetIDs
func (s *SimAgent) ID() int { return s.netID }

func (s *SimAgent) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

func (s *SimAgent) Score() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// ScoreUpdates counts SendScore calls
func (s *SimAgent) ScoreUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreUpdates
}

func (s *SimAgent) LinkProperties() LinkProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkProperties.Clone()
}

func (s *SimAgent) Info() NetworkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *SimAgent) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimAgent) Unregistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregistered
}

// SimFactory records the filters a SessionManager advertised
type SimFactory struct {
	mu           sync.Mutex
	scoreFilter  int
	capabilities Capabilities
}

func (f *SimFactory) SetScoreFilter(score int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreFilter = score
}

func (f *SimFactory) SetCapabilityFilter(caps Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capabilities = caps
}

func (f *SimFactory) ScoreFilter() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoreFilter
}

func (f *SimFactory) Capabilities() Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capabilities
}
