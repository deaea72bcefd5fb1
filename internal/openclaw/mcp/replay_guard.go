package mcp

import (
	"sync"
	"time"
)

const (
	replayPerAgent = 4096
	replayAgents   = 1024
)

// replayGuard remembers accepted signatures per agent until they expire. A signed
// request is only valid inside the timestamp window, so the ttl must cover it.
type replayGuard struct {
	ttl time.Duration

	mu     sync.Mutex
	agents map[string]map[string]time.Time
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &replayGuard{ttl: ttl, agents: map[string]map[string]time.Time{}}
}

// allow records signature for agent and reports whether it was unseen.
func (g *replayGuard) allow(agent, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := g.agents[agent]
	if seen == nil {
		if len(g.agents) >= replayAgents {
			g.evictLocked(now)
		}
		seen = map[string]time.Time{}
		g.agents[agent] = seen
	}
	if exp, ok := seen[signature]; ok && now.Before(exp) {
		return false
	}
	if len(seen) >= replayPerAgent {
		expire(seen, now)
	}
	seen[signature] = now.Add(g.ttl)
	return true
}

func (g *replayGuard) evictLocked(now time.Time) {
	for agent, seen := range g.agents {
		if expire(seen, now) == 0 {
			delete(g.agents, agent)
		}
	}
}

// expire drops entries at or past their deadline and returns how many remain.
func expire(seen map[string]time.Time, now time.Time) int {
	for sig, exp := range seen {
		if !now.Before(exp) {
			delete(seen, sig)
		}
	}
	return len(seen)
}
