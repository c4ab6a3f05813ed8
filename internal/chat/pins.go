package chat

import (
	"regexp"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

// pinMax is the starting value of a freshly armed pin; each completed
// turn without re-arming decrements it until zero.
const pinMax = 3

// recallLanguage arms the forceKB pin: when the user leans on earlier
// context, retrieval escalates to the full KB for a few turns.
var recallLanguage = regexp.MustCompile(`(?i)\b(remember|last time|previously|earlier you said|we discussed|as i (said|mentioned)|did i tell)\b`)

type pinState struct {
	advisory    int
	forceKB     int
	forceReason string

	// armed-this-turn flags, consumed by EndTurn
	advisoryArmed bool
	kbArmed       bool
}

// Pins holds the per-domain decaying counters shared across chat turns:
// advisoryPin keeps recorded advisories in the system prompt, forceKB
// escalates KB retrieval. Both run 0 to 3 and decay once per completed
// turn unless re-armed during it.
type Pins struct {
	mu      sync.Mutex
	domains map[string]*pinState
}

// NewPins creates an empty pin table.
func NewPins() *Pins {
	return &Pins{domains: make(map[string]*pinState)}
}

// ArmAdvisory pins advisories into the next few turns of a domain.
func (p *Pins) ArmAdvisory(domainID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(domainID)
	s.advisory = pinMax
	s.advisoryArmed = true
	logging.ChatDebug("Advisory pin armed for domain %s", domainID)
}

// ArmForceKB pins full-KB retrieval for the next few turns.
func (p *Pins) ArmForceKB(domainID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(domainID)
	s.forceKB = pinMax
	s.forceReason = reason
	s.kbArmed = true
	logging.ChatDebug("ForceKB pin armed for domain %s: %s", domainID, reason)
}

// AdvisoryPin returns the current advisory counter.
func (p *Pins) AdvisoryPin(domainID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state(domainID).advisory
}

// ForceKBPin returns the current forceKB counter and its reason.
func (p *Pins) ForceKBPin(domainID string) (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(domainID)
	return s.forceKB, s.forceReason
}

// EndTurn applies the once-per-turn decay: each pin not re-armed during
// the turn decrements by one; armed flags reset either way.
func (p *Pins) EndTurn(domainID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(domainID)

	if !s.advisoryArmed && s.advisory > 0 {
		s.advisory--
	}
	if !s.kbArmed && s.forceKB > 0 {
		s.forceKB--
		if s.forceKB == 0 {
			s.forceReason = ""
		}
	}
	s.advisoryArmed = false
	s.kbArmed = false
}

// DetectRecallLanguage reports whether the user message leans on prior
// context strongly enough to warrant pinning the full KB.
func DetectRecallLanguage(userMessage string) bool {
	return recallLanguage.MatchString(userMessage)
}

func (p *Pins) state(domainID string) *pinState {
	s, ok := p.domains[domainID]
	if !ok {
		s = &pinState{}
		p.domains[domainID] = s
	}
	return s
}
