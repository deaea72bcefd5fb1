// Package agent is the facade over the fleet and exit lifecycles. An Engine owns the
// pending store, the ledger client and the cached contract configuration; every
// caller-facing operation goes through it.
package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/lifecycle/exit"
	"conquest.eth/internal/lifecycle/fleet"
	"conquest.eth/internal/obs"
	"conquest.eth/internal/persistence/backup"
	"conquest.eth/internal/persistence/journal"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

// EventSink receives every lifecycle event after it has been journaled.
type EventSink interface {
	Publish(ev protocol.Event)
}

type Config struct {
	Store  *pendingdb.Store
	Ledger ledger.Client

	Journal *journal.Journal
	Events  EventSink
	Metrics *obs.Metrics
	Logger  *log.Logger

	// LedgerTimeout bounds each ledger call. Zero leaves the caller's context alone.
	LedgerTimeout time.Duration
	// AutoWithdraw lets the sweep withdraw completed exits.
	AutoWithdraw bool
	// Retention is how long resolved fleets and closed exits survive cleanup. Zero
	// disables cleanup.
	Retention time.Duration
}

type Engine struct {
	store   *pendingdb.Store
	ledger  *timedLedger
	journal *journal.Journal
	events  EventSink
	metrics *obs.Metrics
	logger  *log.Logger

	autoWithdraw bool
	retention    int64

	mu   sync.RWMutex
	sess *session

	// serializes sweeps; lifecycle calls are already serialized by the store.
	sweepMu sync.Mutex
}

// session is everything derived from one contract config read.
type session struct {
	cfg    ledger.ContractConfig
	model  *space.Model
	fleets *fleet.Manager
	exits  *exit.Manager
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("agent: store and ledger are required")
	}
	e := &Engine{
		store:        cfg.Store,
		ledger:       &timedLedger{inner: cfg.Ledger, timeout: cfg.LedgerTimeout, metrics: cfg.Metrics},
		journal:      cfg.Journal,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		autoWithdraw: cfg.AutoWithdraw,
		retention:    int64(cfg.Retention / time.Second),
	}
	if e.logger == nil {
		e.logger = log.New(io.Discard, "", 0)
	}
	return e, nil
}

func (e *Engine) Account() common.Address { return e.ledger.Account() }

// RefreshConfig rereads the contract configuration and rebuilds the model and
// managers on top of it.
func (e *Engine) RefreshConfig(ctx context.Context) (ledger.ContractConfig, error) {
	cfg, err := e.ledger.Config(ctx)
	if err != nil {
		if ledger.IsRejected(err) {
			return cfg, protocol.Wrap(protocol.ErrLedgerRejected, err, "getConfig")
		}
		return cfg, protocol.Wrap(protocol.ErrLedgerUnavailable, err, "getConfig").WithRetry()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, protocol.Wrap(protocol.ErrInternal, err, "contract config")
	}
	model := space.New(cfg)
	fm, err := fleet.NewManager(fleet.Config{Store: e.store, Ledger: e.ledger, Model: model, Logger: e.logger, Notify: e.notify})
	if err != nil {
		return cfg, protocol.Wrap(protocol.ErrInternal, err, "fleet manager")
	}
	xm, err := exit.NewManager(exit.Config{Store: e.store, Ledger: e.ledger, Model: model, Logger: e.logger, Notify: e.notify})
	if err != nil {
		return cfg, protocol.Wrap(protocol.ErrInternal, err, "exit manager")
	}

	e.mu.Lock()
	e.sess = &session{cfg: cfg, model: model, fleets: fm, exits: xm}
	e.mu.Unlock()
	e.logger.Printf("contract config loaded genesis=%s resolve_window=%d exit_duration=%d", cfg.GenesisHash.Hex(), cfg.ResolveWindow, cfg.ExitDuration)
	return cfg, nil
}

func (e *Engine) current(ctx context.Context) (*session, error) {
	e.mu.RLock()
	s := e.sess
	e.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	if _, err := e.RefreshConfig(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sess, nil
}

// ContractConfig returns the cached configuration, loading it on first use.
func (e *Engine) ContractConfig(ctx context.Context) (ledger.ContractConfig, error) {
	s, err := e.current(ctx)
	if err != nil {
		return ledger.ContractConfig{}, err
	}
	return s.cfg, nil
}

func (e *Engine) notify(ev protocol.Event) {
	if err := e.journal.Append(&ev); err != nil {
		e.logger.Printf("journal append failed kind=%s subject=%s err=%v", ev.Kind, ev.Subject, err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	e.metrics.ObserveEvent(ev.Kind)
	if e.events != nil {
		e.events.Publish(ev)
	}
}

func (e *Engine) observe(op string, started time.Time, err error) {
	code := "OK"
	if err != nil {
		code = protocol.CodeOf(err)
	}
	e.metrics.ObserveOp(op, code, started)
}

type SendArgs struct {
	From              location.ID    `json:"from"`
	To                location.ID    `json:"to"`
	Quantity          uint32         `json:"quantity"`
	Gift              bool           `json:"gift,omitempty"`
	Specific          common.Address `json:"specific,omitempty"`
	ArrivalTimeWanted int64          `json:"arrival_time_wanted,omitempty"`
	// Secret is generated when nil.
	Secret *commit.Secret `json:"secret,omitempty"`
}

// Send commits and submits a fleet. On E_PARTIAL_SUBMISSION the returned record is
// the persisted commitment; Retry or the sweep submits it later.
func (e *Engine) Send(ctx context.Context, args SendArgs) (rec pendingdb.Fleet, err error) {
	defer func(start time.Time) { e.observe("send", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return pendingdb.Fleet{}, err
	}
	return s.fleets.Send(ctx, fleet.SendRequest{
		From:              args.From,
		To:                args.To,
		Quantity:          args.Quantity,
		Gift:              args.Gift,
		Specific:          args.Specific,
		ArrivalTimeWanted: args.ArrivalTimeWanted,
		Secret:            args.Secret,
	})
}

// RetrySend resubmits a committed fleet with its persisted secret.
func (e *Engine) RetrySend(ctx context.Context, id common.Hash) (rec pendingdb.Fleet, err error) {
	defer func(start time.Time) { e.observe("retry_send", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return pendingdb.Fleet{}, err
	}
	return s.fleets.Retry(ctx, id)
}

func (e *Engine) Resolve(ctx context.Context, id common.Hash) (res fleet.ResolveResult, err error) {
	defer func(start time.Time) { e.observe("resolve", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return fleet.ResolveResult{}, err
	}
	return s.fleets.Resolve(ctx, id)
}

// PendingFleet is an unresolved fleet annotated with when it can be resolved.
type PendingFleet struct {
	pendingdb.Fleet
	ResolvableAt int64 `json:"resolvable_at"`
}

func (e *Engine) GetPendingFleets(ctx context.Context) (out []PendingFleet, err error) {
	defer func(start time.Time) { e.observe("get_pending_fleets", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.fleets.Pending(e.Account())
	if err != nil {
		return nil, err
	}
	out = make([]PendingFleet, 0, len(recs))
	for _, r := range recs {
		out = append(out, PendingFleet{Fleet: r, ResolvableAt: s.fleets.ResolvableAt(r)})
	}
	return out, nil
}

func (e *Engine) BeginExit(ctx context.Context, ids []location.ID) (res exit.BeginResult, err error) {
	defer func(start time.Time) { e.observe("begin_exit", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return exit.BeginResult{}, err
	}
	return s.exits.BeginExit(ctx, ids)
}

func (e *Engine) VerifyExitStatus(ctx context.Context, planet location.ID) (res exit.StatusResult, err error) {
	defer func(start time.Time) { e.observe("verify_exit_status", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return exit.StatusResult{}, err
	}
	return s.exits.VerifyStatus(ctx, planet)
}

func (e *Engine) Withdraw(ctx context.Context, ids []location.ID) (res exit.WithdrawResult, err error) {
	defer func(start time.Time) { e.observe("withdraw", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return exit.WithdrawResult{}, err
	}
	return s.exits.Withdraw(ctx, ids)
}

// PendingExit is an exit not yet withdrawn with its derived status.
type PendingExit struct {
	pendingdb.Exit
	Status exit.Status `json:"status"`
}

func (e *Engine) GetPendingExits(ctx context.Context) (out []PendingExit, err error) {
	defer func(start time.Time) { e.observe("get_pending_exits", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.exits.Pending(e.Account())
	if err != nil {
		return nil, err
	}
	out = make([]PendingExit, 0, len(recs))
	for _, r := range recs {
		out = append(out, PendingExit{Exit: r, Status: exit.StatusOf(r)})
	}
	return out, nil
}

type SimulateArgs struct {
	From              location.ID    `json:"from"`
	To                location.ID    `json:"to"`
	Quantity          uint32         `json:"quantity"`
	Gift              bool           `json:"gift,omitempty"`
	Specific          common.Address `json:"specific,omitempty"`
	ArrivalTimeWanted int64          `json:"arrival_time_wanted,omitempty"`
	// TravelTime overrides the computed travel time when > 0.
	TravelTime int64 `json:"travel_time,omitempty"`
}

type SimulateResult struct {
	From    space.PlanetInfo   `json:"from"`
	To      space.PlanetInfo   `json:"to"`
	ToState ledger.PlanetState `json:"to_state"`
	Now     int64              `json:"now"`
	Outcome space.Outcome      `json:"outcome"`
}

// Simulate predicts the result of a fleet against the destination's current state
// without writing anything.
func (e *Engine) Simulate(ctx context.Context, args SimulateArgs) (res SimulateResult, err error) {
	defer func(start time.Time) { e.observe("simulate", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return res, err
	}
	from, ok := s.model.InfoOf(args.From)
	if !ok {
		return res, protocol.Errorf(protocol.ErrBadRequest, "no planet at origin %s", args.From.Coord())
	}
	to, ok := s.model.InfoOf(args.To)
	if !ok {
		return res, protocol.Errorf(protocol.ErrBadRequest, "no planet at destination %s", args.To.Coord())
	}
	st, err := ledger.FetchPlanet(ctx, e.ledger, args.To)
	if err != nil {
		return res, readError("getPlanetStates", err)
	}
	now, err := e.ledger.Now(ctx)
	if err != nil {
		return res, readError("now", err)
	}
	res = SimulateResult{From: from, To: to, ToState: st, Now: now}
	res.Outcome = s.model.SimulateOutcome(space.SimInput{
		From:              from,
		To:                to,
		ToState:           st,
		Quantity:          args.Quantity,
		Sender:            e.Account(),
		Now:               now,
		TravelTime:        args.TravelTime,
		ArrivalTimeWanted: args.ArrivalTimeWanted,
		Gift:              args.Gift,
		Specific:          args.Specific,
	})
	return res, nil
}

func readError(method string, err error) error {
	if ledger.IsRejected(err) {
		return protocol.Wrap(protocol.ErrLedgerRejected, err, "%s", method)
	}
	return protocol.Wrap(protocol.ErrLedgerUnavailable, err, "%s", method).WithRetry()
}

// PlanetView joins static planet info with the live ledger state.
type PlanetView struct {
	space.PlanetInfo
	State         ledger.PlanetState `json:"state"`
	Now           int64              `json:"now"`
	SpaceshipsNow uint32             `json:"spaceships_now"`
	Area          location.Tile      `json:"area"`
	Zone          location.Tile      `json:"zone"`
}

func (e *Engine) Planet(ctx context.Context, id location.ID) (v PlanetView, err error) {
	defer func(start time.Time) { e.observe("planet", start, err) }(time.Now())
	s, err := e.current(ctx)
	if err != nil {
		return v, err
	}
	info, ok := s.model.InfoOf(id)
	if !ok {
		return v, protocol.Errorf(protocol.ErrNotFound, "no planet at %s", id.Coord())
	}
	st, err := ledger.FetchPlanet(ctx, e.ledger, id)
	if err != nil {
		return v, readError("getPlanetStates", err)
	}
	now, err := e.ledger.Now(ctx)
	if err != nil {
		return v, readError("now", err)
	}
	v = PlanetView{
		PlanetInfo: info,
		State:      st,
		Now:        now,
		Area:       location.AreaOf(info.Coord.X, info.Coord.Y),
		Zone:       location.ZoneOf(info.Coord.X, info.Coord.Y),
	}
	if st.NeverOwned() {
		v.SpaceshipsNow = info.Stats.Natives
	} else {
		v.SpaceshipsNow = s.model.SpaceshipsAt(st, info.Stats, now)
	}
	return v, nil
}

type SpiralResult struct {
	Planets []space.PlanetInfo   `json:"planets"`
	Next    location.SpiralState `json:"next"`
}

// Spiral discovers planets outward from the origin, resuming after cursor.
func (e *Engine) Spiral(ctx context.Context, cursor *location.SpiralState, maxSteps, limit int) (SpiralResult, error) {
	s, err := e.current(ctx)
	if err != nil {
		return SpiralResult{}, err
	}
	if maxSteps <= 0 || limit <= 0 {
		return SpiralResult{}, protocol.Errorf(protocol.ErrBadRequest, "max_steps and limit must be > 0")
	}
	planets, next := s.model.Discover(cursor, maxSteps, limit)
	return SpiralResult{Planets: planets, Next: next}, nil
}

// Stats reports store counts and refreshes the store gauges.
func (e *Engine) Stats() (pendingdb.Stats, error) {
	st, err := e.store.Stats()
	if err != nil {
		return st, protocol.Wrap(protocol.ErrInternal, err, "store stats")
	}
	e.metrics.ObserveStore(st)
	return st, nil
}

// Export writes a backup of every pending record.
func (e *Engine) Export(path string) (backup.Header, error) {
	h, err := backup.Export(e.store, path, time.Now().Unix())
	if err != nil {
		return h, protocol.Wrap(protocol.ErrInternal, err, "export %s", path)
	}
	e.logger.Printf("backup exported path=%s fleets=%d exits=%d", path, h.Fleets, h.Exits)
	return h, nil
}

// Import restores a backup over the store; existing records with the same key are
// replaced.
func (e *Engine) Import(path string) (backup.Header, error) {
	h, err := backup.Import(e.store, path)
	if err != nil {
		return h, protocol.Wrap(protocol.ErrBadRequest, err, "import %s", path)
	}
	e.logger.Printf("backup imported path=%s fleets=%d exits=%d", path, h.Fleets, h.Exits)
	return h, nil
}
