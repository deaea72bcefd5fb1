package mcp

import (
	"testing"
	"time"
)

func TestReplayGuard_RejectsDuplicateWithinWindow(t *testing.T) {
	g := newReplayGuard(10 * time.Second)
	now := time.Unix(1700000000, 0)
	if !g.allow("agent_1", "sig_1", now) {
		t.Fatalf("expected first request to pass")
	}
	if g.allow("agent_1", "sig_1", now.Add(time.Second)) {
		t.Fatalf("expected duplicate signature to be rejected")
	}
	if !g.allow("agent_1", "sig_2", now.Add(time.Second)) {
		t.Fatalf("expected different signature to pass")
	}
	if !g.allow("agent_2", "sig_1", now.Add(time.Second)) {
		t.Fatalf("signatures are tracked per agent")
	}
}

func TestReplayGuard_AllowsAfterExpiry(t *testing.T) {
	g := newReplayGuard(2 * time.Second)
	now := time.Unix(1700000000, 0)
	if !g.allow("agent_1", "sig_1", now) {
		t.Fatalf("expected first request to pass")
	}
	if !g.allow("agent_1", "sig_1", now.Add(2*time.Second)) {
		t.Fatalf("expected request at ttl expiry to pass")
	}
}

func TestReplayGuard_EvictsIdleAgents(t *testing.T) {
	g := newReplayGuard(time.Second)
	now := time.Unix(1700000000, 0)
	for i := 0; i < replayAgents; i++ {
		g.allow(string(rune('a'+i%26))+string(rune(i)), "sig", now)
	}
	if !g.allow("late", "sig", now.Add(2*time.Second)) {
		t.Fatalf("expected new agent to pass")
	}
	if len(g.agents) != 1 {
		t.Fatalf("expired agents kept: %d", len(g.agents))
	}
}

func TestReplayGuard_Nil(t *testing.T) {
	var g *replayGuard
	if !g.allow("agent_1", "sig", time.Now()) {
		t.Fatalf("nil guard must allow")
	}
}
