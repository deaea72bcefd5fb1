package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/ledger/ledgertest"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
	"conquest.eth/internal/transport/ws"
)

const testSecret = "integration-secret"

type signedClient struct {
	t     *testing.T
	base  string
	agent string
	seq   int
}

func (c *signedClient) do(body []byte, nonce string) (*http.Response, rpcResponse) {
	c.t.Helper()
	req, _ := http.NewRequest("POST", c.base+"/mcp", bytes.NewReader(body))
	req.Header.Set("content-type", "application/json")
	signRequest(req, []byte(testSecret), c.agent, nonce, body, time.Now())
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var out rpcResponse
	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			c.t.Fatalf("decode: %v", err)
		}
	}
	return res, out
}

func (c *signedClient) call(name string, args any, out any) *rpcError {
	c.t.Helper()
	c.seq++
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.seq,
		"method":  "call_tool",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	res, resp := c.do(body, fmt.Sprintf("nonce-%d", c.seq))
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("%s: http status %d", name, res.StatusCode)
	}
	if resp.Error != nil {
		return resp.Error
	}
	b, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(b, out); err != nil {
		c.t.Fatalf("%s: decode result: %v", name, err)
	}
	return nil
}

func TestMCP_EndToEnd_SendResolve(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	from := location.Coord{X: 0, Y: 0}
	to := location.Coord{X: 5, Y: 5}
	l := ledgertest.New(player, ledgertest.Config(ledgertest.GenesisWithPlanets(from, to)))
	l.Acquire(location.PackCoord(from), player, 1000)

	store, err := pendingdb.Open(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	hub := ws.NewHub(64, nil)
	engine, err := agent.New(agent.Config{Store: store, Ledger: l, Events: hub})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	srv, err := NewServer(Config{Engine: engine, HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := &signedClient{t: t, base: ts.URL, agent: "agent_1"}

	var sent pendingdb.Fleet
	if rerr := c.call("conquest.send", map[string]any{"from": "0,0", "to": "5,5", "quantity": 120}, &sent); rerr != nil {
		t.Fatalf("send: %+v", rerr)
	}
	if sent.FleetID == (common.Hash{}) || sent.TxHash == (common.Hash{}) || sent.Distance != 7 {
		t.Fatalf("sent = %+v", sent)
	}

	var pending []agent.PendingFleet
	if rerr := c.call("conquest.get_pending_fleets", map[string]any{}, &pending); rerr != nil {
		t.Fatalf("pending: %+v", rerr)
	}
	if len(pending) != 1 || pending[0].Fleet.FleetID != sent.FleetID {
		t.Fatalf("pending = %+v", pending)
	}

	type resolveOut struct {
		Status       string `json:"status"`
		ResolvableAt int64  `json:"resolvable_at"`
	}
	var early resolveOut
	if rerr := c.call("conquest.resolve", map[string]any{"fleet_id": sent.FleetID.Hex()}, &early); rerr != nil {
		t.Fatalf("resolve early: %+v", rerr)
	}
	if early.Status != "not_yet" || early.ResolvableAt != pending[0].ResolvableAt {
		t.Fatalf("early resolve = %+v", early)
	}

	l.SetNow(early.ResolvableAt)
	var done resolveOut
	if rerr := c.call("conquest.resolve", map[string]any{"fleet_id": sent.FleetID.Hex()}, &done); rerr != nil {
		t.Fatalf("resolve: %+v", rerr)
	}
	if done.Status != "resolved" {
		t.Fatalf("resolve = %+v", done)
	}
	if got := l.Calls().Resolves; got != 1 {
		t.Fatalf("ledger resolves = %d, want 1", got)
	}

	items, _ := hub.Since(0, 0)
	kinds := map[string]bool{}
	for _, it := range items {
		kinds[it.Event.Kind] = true
	}
	if !kinds[protocol.EventFleetSubmitted] || !kinds[protocol.EventFleetResolved] {
		t.Fatalf("hub events = %+v", items)
	}

	var unknown struct{}
	rerr := c.call("conquest.resolve", map[string]any{"fleet_id": common.HexToHash("0xdead").Hex()}, &unknown)
	if rerr == nil || rerr.Code != codeToolFailed {
		t.Fatalf("unknown fleet: %+v", rerr)
	}
	if data, _ := rerr.Data.(map[string]any); data["code"] != protocol.ErrUnrecoverable {
		t.Fatalf("unknown fleet data = %+v", rerr.Data)
	}
}

func TestMCP_HMAC_RejectsUnsignedAndReplayed(t *testing.T) {
	srv, err := NewServer(Config{Engine: &stubEngine{}, HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"list_tools"}`)
	res, err := http.Post(ts.URL+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", res.StatusCode)
	}

	c := &signedClient{t: t, base: ts.URL, agent: "agent_1"}
	if res, resp := c.do(body, "n-1"); res.StatusCode != http.StatusOK || resp.Error != nil {
		t.Fatalf("signed status = %d err=%+v", res.StatusCode, resp.Error)
	}
	if res, _ := c.do(body, "n-2"); res.StatusCode != http.StatusOK {
		t.Fatalf("second nonce status = %d", res.StatusCode)
	}

	replayed, _ := http.NewRequest("POST", ts.URL+"/mcp", nil)
	signRequest(replayed, []byte(testSecret), "agent_1", "n-3", body, time.Now())
	send := func() int {
		req, _ := http.NewRequest("POST", ts.URL+"/mcp", bytes.NewReader(body))
		req.Header = replayed.Header.Clone()
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}
	if got := send(); got != http.StatusOK {
		t.Fatalf("first send = %d", got)
	}
	if got := send(); got != http.StatusUnauthorized {
		t.Fatalf("replay = %d, want 401", got)
	}
}
