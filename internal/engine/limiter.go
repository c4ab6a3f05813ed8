package engine

import (
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
)

const (
	automationWindow = time.Minute
	domainWindow     = time.Hour
	globalWindow     = time.Hour
)

// limiter is the engine's in-memory sliding-window rate limiter. Three
// counters checked in order: per-automation, per-domain, global. Each
// check prunes entries older than its window first; a grant appends the
// timestamp to all three lists. State starts empty and is cleared when
// the engine stops.
type limiter struct {
	mu            sync.Mutex
	perAutomation map[string][]time.Time
	perDomain     map[string][]time.Time
	global        []time.Time

	automationLimit int
	domainLimit     int
	globalLimit     int
}

func newLimiter(cfg config.EngineConfig) *limiter {
	return &limiter{
		perAutomation:   make(map[string][]time.Time),
		perDomain:       make(map[string][]time.Time),
		automationLimit: cfg.PerAutomationPerMin,
		domainLimit:     cfg.PerDomainPerHour,
		globalLimit:     cfg.GlobalPerHour,
	}
}

// Allow grants or denies one execution at now. Denials record nothing.
func (l *limiter) Allow(automationID, domainID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	autoList := prune(l.perAutomation[automationID], now, automationWindow)
	if len(autoList) == 0 {
		delete(l.perAutomation, automationID)
	} else {
		l.perAutomation[automationID] = autoList
	}
	if len(autoList) >= l.automationLimit {
		return false
	}

	domainList := prune(l.perDomain[domainID], now, domainWindow)
	if len(domainList) == 0 {
		delete(l.perDomain, domainID)
	} else {
		l.perDomain[domainID] = domainList
	}
	if len(domainList) >= l.domainLimit {
		return false
	}

	l.global = prune(l.global, now, globalWindow)
	if len(l.global) >= l.globalLimit {
		return false
	}

	l.perAutomation[automationID] = append(autoList, now)
	l.perDomain[domainID] = append(domainList, now)
	l.global = append(l.global, now)
	return true
}

// Reset drops all recorded grants.
func (l *limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perAutomation = make(map[string][]time.Time)
	l.perDomain = make(map[string][]time.Time)
	l.global = nil
}

func prune(list []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(list) && !list[i].After(cutoff) {
		i++
	}
	return list[i:]
}
