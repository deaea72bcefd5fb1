package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/ledger/ledgertest"
	"conquest.eth/internal/lifecycle/exit"
	"conquest.eth/internal/lifecycle/fleet"
	"conquest.eth/internal/obs"
	"conquest.eth/internal/persistence/journal"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

var (
	player = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	rival  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	origin = location.Coord{X: 0, Y: 0}
	target = location.Coord{X: 5, Y: 5}
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Publish(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	engine *Engine
	ledger *ledgertest.Ledger
	store  *pendingdb.Store
	cfg    ledger.ContractConfig
	events *recorder
	dir    string
}

func newHarness(t *testing.T, autoWithdraw bool) *harness {
	t.Helper()
	cfg := ledgertest.Config(ledgertest.GenesisWithPlanets(origin, target))
	l := ledgertest.New(player, cfg)
	l.Acquire(location.PackCoord(origin), player, 1000)

	dir := t.TempDir()
	store, err := pendingdb.Open(filepath.Join(dir, "pending.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	j := journal.New(filepath.Join(dir, "journal"))
	t.Cleanup(func() { _ = j.Close() })

	h := &harness{ledger: l, store: store, cfg: cfg, events: &recorder{}, dir: dir}
	h.engine, err = New(Config{
		Store:        store,
		Ledger:       l,
		Journal:      j,
		Events:       h.events,
		Metrics:      obs.NewMetrics(),
		AutoWithdraw: autoWithdraw,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) send(t *testing.T, quantity uint32) pendingdb.Fleet {
	t.Helper()
	rec, err := h.engine.Send(context.Background(), SendArgs{
		From:     location.PackCoord(origin),
		To:       location.PackCoord(target),
		Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return rec
}

func TestSendThenResolveAfterWindow(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	rec := h.send(t, 100)
	if rec.Distance != 7 {
		t.Fatalf("distance = %d, want 7", rec.Distance)
	}
	model := space.New(h.cfg)
	fromStats, _ := model.StatsAt(origin.X, origin.Y)
	if fromStats.Speed == 0 {
		t.Fatalf("origin has no speed")
	}
	// distance 7, timePerDistance 40000, speed scaled by 10000
	wantETA := ledgertest.GenesisTime + 7*40000*10000/int64(fromStats.Speed)
	if rec.EstimatedArrival != wantETA {
		t.Fatalf("eta = %d, want %d", rec.EstimatedArrival, wantETA)
	}

	pending, err := h.engine.GetPendingFleets(ctx)
	if err != nil {
		t.Fatalf("GetPendingFleets: %v", err)
	}
	if len(pending) != 1 || pending[0].ResolvableAt != wantETA+h.cfg.ResolveWindow {
		t.Fatalf("pending = %+v", pending)
	}

	h.ledger.SetNow(wantETA + h.cfg.ResolveWindow - 1)
	res, err := h.engine.Resolve(ctx, rec.FleetID)
	if err != nil {
		t.Fatalf("Resolve early: %v", err)
	}
	if res.Status != fleet.StatusNotYet {
		t.Fatalf("status = %s, want not_yet", res.Status)
	}

	h.ledger.SetNow(wantETA + h.cfg.ResolveWindow)
	res, err = h.engine.Resolve(ctx, rec.FleetID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != fleet.StatusResolved || res.TxHash == (common.Hash{}) {
		t.Fatalf("resolve = %+v", res)
	}
	res, err = h.engine.Resolve(ctx, rec.FleetID)
	if err != nil || res.Status != fleet.StatusAlreadyResolved {
		t.Fatalf("second resolve = %+v err=%v", res, err)
	}
	if got := h.ledger.Calls().Resolves; got != 1 {
		t.Fatalf("ledger resolves = %d, want 1", got)
	}
	if pending, _ := h.engine.GetPendingFleets(ctx); len(pending) != 0 {
		t.Fatalf("resolved fleet still pending: %+v", pending)
	}
	if h.events.count(protocol.EventFleetResolved) != 1 {
		t.Fatalf("missing FLEET_RESOLVED event")
	}
}

func TestExitInterruptedByCapture(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	planet := location.PackCoord(origin)

	begun, err := h.engine.BeginExit(ctx, []location.ID{planet})
	if err != nil {
		t.Fatalf("BeginExit: %v", err)
	}
	if len(begun.Started) != 1 || begun.Started[0].ExitDuration != 604800 {
		t.Fatalf("begin = %+v", begun)
	}

	sr, err := h.engine.VerifyExitStatus(ctx, planet)
	if err != nil {
		t.Fatalf("VerifyExitStatus: %v", err)
	}
	if sr.Status != exit.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", sr.Status)
	}

	h.ledger.Advance(3600)
	h.ledger.Capture(planet, rival, 50)

	sr, err = h.engine.VerifyExitStatus(ctx, planet)
	if err != nil {
		t.Fatalf("VerifyExitStatus after capture: %v", err)
	}
	if sr.Status != exit.StatusInterrupted || sr.Exit.Owner != rival {
		t.Fatalf("after capture = %+v", sr)
	}

	h.ledger.Advance(h.cfg.ExitDuration)
	_, err = h.engine.Withdraw(ctx, []location.ID{planet})
	if protocol.CodeOf(err) != protocol.ErrConflict {
		t.Fatalf("withdraw err = %v, want %s", err, protocol.ErrConflict)
	}
	if h.ledger.Calls().Withdraws != 0 {
		t.Fatalf("interrupted exit must not reach the ledger")
	}

	pending, err := h.engine.GetPendingExits(ctx)
	if err != nil {
		t.Fatalf("GetPendingExits: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != exit.StatusInterrupted {
		t.Fatalf("pending exits = %+v", pending)
	}
	if h.events.count(protocol.EventExitInterrupted) != 1 {
		t.Fatalf("missing EXIT_INTERRUPTED event")
	}
}

func TestSweepRetriesAndResolves(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.ledger.FailNext("send", errors.New("connection reset"))
	rec, err := h.engine.Send(ctx, SendArgs{
		From:     location.PackCoord(origin),
		To:       location.PackCoord(target),
		Quantity: 100,
	})
	if protocol.CodeOf(err) != protocol.ErrPartialSubmission || !protocol.IsRetryable(err) {
		t.Fatalf("send err = %v", err)
	}
	if rec.Submitted() {
		t.Fatalf("record must not carry a handle")
	}

	rep, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Retried) != 1 || rep.Retried[0] != rec.FleetID || len(rep.Errors) != 0 {
		t.Fatalf("first sweep = %+v", rep)
	}

	h.ledger.SetNow(rec.EstimatedArrival + h.cfg.ResolveWindow)
	rep, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Resolved) != 1 || rep.Resolved[0] != rec.FleetID {
		t.Fatalf("second sweep = %+v", rep)
	}

	rep, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Retried)+len(rep.Resolved) != 0 {
		t.Fatalf("idle sweep changed state: %+v", rep)
	}
	calls := h.ledger.Calls()
	if calls.Sends != 1 || calls.Resolves != 1 {
		t.Fatalf("ledger calls = %+v", calls)
	}
	if h.events.count(protocol.EventSweep) != 3 {
		t.Fatalf("sweep events = %d", h.events.count(protocol.EventSweep))
	}
}

func TestSweepCompletesAndWithdrawsExits(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	planet := location.PackCoord(origin)

	if _, err := h.engine.BeginExit(ctx, []location.ID{planet}); err != nil {
		t.Fatalf("BeginExit: %v", err)
	}
	rep, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.ExitsCompleted) != 0 || len(rep.Withdrawn) != 0 {
		t.Fatalf("exit completed early: %+v", rep)
	}

	h.ledger.Advance(h.cfg.ExitDuration)
	rep, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.ExitsCompleted) != 1 || len(rep.Withdrawn) != 1 || rep.Withdrawn[0] != planet {
		t.Fatalf("sweep = %+v", rep)
	}
	if pending, _ := h.engine.GetPendingExits(ctx); len(pending) != 0 {
		t.Fatalf("withdrawn exit still pending: %+v", pending)
	}
	if got := h.ledger.Planet(planet).Owner; got != (common.Address{}) {
		t.Fatalf("planet owner after withdraw = %s", got.Hex())
	}
}

func TestSimulateAgainstNatives(t *testing.T) {
	h := newHarness(t, false)
	res, err := h.engine.Simulate(context.Background(), SimulateArgs{
		From:     location.PackCoord(origin),
		To:       location.PackCoord(target),
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !res.Outcome.NativeResistance || res.Outcome.Distance != 7 {
		t.Fatalf("outcome = %+v", res.Outcome)
	}
	if res.Outcome.Defenders.Min != res.To.Stats.Natives {
		t.Fatalf("defenders = %+v, natives = %d", res.Outcome.Defenders, res.To.Stats.Natives)
	}
	if res.Outcome.Arrival != res.Now+res.Outcome.TravelTime {
		t.Fatalf("arrival = %d", res.Outcome.Arrival)
	}
	if h.ledger.Calls().Sends != 0 {
		t.Fatalf("simulate must not write")
	}
}

func TestPlanetAndSpiral(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	v, err := h.engine.Planet(ctx, location.PackCoord(origin))
	if err != nil {
		t.Fatalf("Planet: %v", err)
	}
	if v.State.Owner != player || v.SpaceshipsNow != 1000 {
		t.Fatalf("planet = %+v", v)
	}

	sp, err := h.engine.Spiral(ctx, nil, 200, 3)
	if err != nil {
		t.Fatalf("Spiral: %v", err)
	}
	if len(sp.Planets) == 0 || sp.Planets[0].Location != location.PackCoord(origin) {
		t.Fatalf("spiral should start at the origin planet: %+v", sp.Planets)
	}
	if _, err := h.engine.Spiral(ctx, nil, 0, 3); protocol.CodeOf(err) != protocol.ErrBadRequest {
		t.Fatalf("spiral err = %v", err)
	}
}

func TestConfigFailureIsRetryable(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.FailNext("config", errors.New("dial tcp: refused"))
	_, err := h.engine.GetPendingFleets(context.Background())
	if protocol.CodeOf(err) != protocol.ErrLedgerUnavailable || !protocol.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.engine.GetPendingFleets(context.Background()); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestEventsAreJournaled(t *testing.T) {
	h := newHarness(t, false)
	h.send(t, 10)
	if err := h.engine.journal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := journal.Files(filepath.Join(h.dir, "journal"))
	if err != nil || len(files) != 1 {
		t.Fatalf("journal files = %v err=%v", files, err)
	}
	evs, err := journal.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(evs) != 2 || evs[0].Kind != protocol.EventFleetCommitted || evs[1].Kind != protocol.EventFleetSubmitted {
		t.Fatalf("journal = %+v", evs)
	}
	if evs[0].ID == "" {
		t.Fatalf("journaled events need ids")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	h := newHarness(t, false)
	rec := h.send(t, 10)
	path := filepath.Join(h.dir, "backup.zst")
	hdr, err := h.engine.Export(path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if hdr.Fleets != 1 {
		t.Fatalf("header = %+v", hdr)
	}

	other, err := pendingdb.Open(filepath.Join(t.TempDir(), "restored.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	e2, err := New(Config{Store: other, Ledger: h.ledger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e2.Import(path); err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, err := other.GetFleet(rec.FleetID)
	if err != nil || got.Secret != rec.Secret {
		t.Fatalf("restored fleet = %+v err=%v", got, err)
	}
}

func TestSweepReconcilesExitWhoseSubmissionTimedOut(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	planet := location.PackCoord(origin)

	h.ledger.FailNext("exit", context.DeadlineExceeded)
	if _, err := h.engine.BeginExit(ctx, []location.ID{planet}); protocol.CodeOf(err) != protocol.ErrLedgerUnavailable {
		t.Fatalf("BeginExit err = %v", err)
	}
	// The transaction lands after the caller stopped waiting for it.
	if _, err := h.ledger.ExitMultipleFor(ctx, player, []location.ID{planet}); err != nil {
		t.Fatalf("ExitMultipleFor: %v", err)
	}
	h.ledger.Advance(h.cfg.ExitDuration + 1)

	rep, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.ExitsCompleted) != 1 || rep.ExitsCompleted[0] != planet || rep.ExitsResubmitted != 0 || len(rep.Errors) != 0 {
		t.Fatalf("sweep = %+v", rep)
	}
	pending, err := h.engine.GetPendingExits(ctx)
	if err != nil {
		t.Fatalf("GetPendingExits: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != exit.StatusCompleted {
		t.Fatalf("pending exits = %+v", pending)
	}
	if got := h.ledger.Calls().Exits; got != 1 {
		t.Fatalf("exits = %d", got)
	}
}

func TestSweepConfirmsFleetWhoseAckWasLost(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.ledger.LoseAckNext("send", context.DeadlineExceeded)
	h.ledger.FailNext("fleet", errors.New("connection reset"))
	rec, err := h.engine.Send(ctx, SendArgs{
		From:     location.PackCoord(origin),
		To:       location.PackCoord(target),
		Quantity: 100,
	})
	if protocol.CodeOf(err) != protocol.ErrPartialSubmission {
		t.Fatalf("send err = %v", err)
	}

	h.ledger.SetNow(rec.EstimatedArrival + h.cfg.ResolveWindow)
	rep, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Retried) != 1 || len(rep.Resolved) != 1 || len(rep.Errors) != 0 {
		t.Fatalf("sweep = %+v", rep)
	}
	if c := h.ledger.Calls(); c.Sends != 1 || c.Resolves != 1 {
		t.Fatalf("calls = %+v", c)
	}
}
