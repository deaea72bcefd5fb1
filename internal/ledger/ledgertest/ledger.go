// Package ledgertest is an in-memory ledger with a settable clock. It enforces the
// commit-reveal checks and the planet ownership rules the engine depends on.
package ledgertest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
)

type fleet struct {
	from     location.ID
	quantity uint32
	toHash   common.Hash
	sender   common.Address
	launch   int64
	speed    uint32
	resolved bool
}

// Calls counts accepted and rejected submissions per method.
type Calls struct {
	Sends     int
	Resolves  int
	Exits     int
	Withdraws int
}

type Ledger struct {
	mu sync.Mutex

	account common.Address
	cfg     ledger.ContractConfig
	model   *space.Model
	now     int64
	seq     uint64

	planets   map[location.ID]ledger.PlanetState
	fleets    map[common.Hash]*fleet
	withdrawn map[location.ID]common.Address

	calls    Calls
	failNext map[string]error
	lostAck  map[string]error
}

var _ ledger.Client = (*Ledger)(nil)

func New(account common.Address, cfg ledger.ContractConfig) *Ledger {
	return &Ledger{
		account:   account,
		cfg:       cfg,
		model:     space.New(cfg),
		now:       cfg.GenesisTime,
		planets:   map[location.ID]ledger.PlanetState{},
		fleets:    map[common.Hash]*fleet{},
		withdrawn: map[location.ID]common.Address{},
		failNext:  map[string]error{},
		lostAck:   map[string]error{},
	}
}

func (l *Ledger) Account() common.Address { return l.account }

func (l *Ledger) Config(context.Context) (ledger.ContractConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("config"); err != nil {
		return ledger.ContractConfig{}, err
	}
	return l.cfg, nil
}

func (l *Ledger) Now(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now, nil
}

func (l *Ledger) SetNow(t int64) {
	l.mu.Lock()
	l.now = t
	l.mu.Unlock()
}

func (l *Ledger) Advance(d int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now += d
	return l.now
}

func (l *Ledger) Calls() Calls {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// FailNext makes the next call of method ("send", "resolve", "exit", "withdraw",
// "config", "states", "fleet") return err without side effects.
func (l *Ledger) FailNext(method string, err error) {
	l.mu.Lock()
	l.failNext[method] = err
	l.mu.Unlock()
}

func (l *Ledger) takeFailure(method string) error {
	err, ok := l.failNext[method]
	if !ok {
		return nil
	}
	delete(l.failNext, method)
	return err
}

// LoseAckNext applies the next accepted call of method and then returns err, the
// way a submission whose receipt timed out looks to the caller.
func (l *Ledger) LoseAckNext(method string, err error) {
	l.mu.Lock()
	l.lostAck[method] = err
	l.mu.Unlock()
}

func (l *Ledger) ack(method string) (common.Hash, error) {
	tx := l.txHash()
	if err, ok := l.lostAck[method]; ok {
		delete(l.lostAck, method)
		return common.Hash{}, err
	}
	return tx, nil
}

// Fleet reports a sent fleet. Unknown ids read back as the zero state.
func (l *Ledger) Fleet(_ context.Context, id common.Hash, from location.ID) (ledger.FleetState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("fleet"); err != nil {
		return ledger.FleetState{}, err
	}
	fl, ok := l.fleets[id]
	if !ok || fl.from != from {
		return ledger.FleetState{}, nil
	}
	st := ledger.FleetState{Owner: fl.sender, LaunchTime: fl.launch}
	if !fl.resolved {
		st.Quantity = fl.quantity
	}
	return st, nil
}

func (l *Ledger) txHash() common.Hash {
	l.seq++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], l.seq)
	return crypto.Keccak256Hash([]byte("tx"), b[:])
}

// Acquire gives a planet to owner with n spaceships as of now.
func (l *Ledger) Acquire(id location.ID, owner common.Address, n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.planets[id] = ledger.PlanetState{
		Location:           id,
		Owner:              owner,
		OwnershipStartTime: l.now,
		NumSpaceships:      n,
		LastUpdated:        l.now,
		Active:             true,
	}
}

// Capture simulates a hostile capture. An exit in progress is cancelled.
func (l *Ledger) Capture(id location.ID, newOwner common.Address, n uint32) {
	l.Acquire(id, newOwner, n)
}

func (l *Ledger) SetPlanet(st ledger.PlanetState) {
	l.mu.Lock()
	l.planets[st.Location] = st
	l.mu.Unlock()
}

func (l *Ledger) Planet(id location.ID) ledger.PlanetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(id)
}

func (l *Ledger) stateLocked(id location.ID) ledger.PlanetState {
	st, ok := l.planets[id]
	if !ok {
		return ledger.PlanetState{Location: id}
	}
	return st
}

func (l *Ledger) PlanetStates(_ context.Context, ids []location.ID) ([]ledger.PlanetState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("states"); err != nil {
		return nil, err
	}
	out := make([]ledger.PlanetState, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.stateLocked(id))
	}
	return out, nil
}

// settle brings a planet's spaceship count up to now.
func (l *Ledger) settle(st ledger.PlanetState) (ledger.PlanetState, space.PlanetStats, bool) {
	stats, ok := l.model.StatsOf(st.Location)
	if !ok {
		return st, stats, false
	}
	if !st.NeverOwned() {
		st.NumSpaceships = l.model.SpaceshipsAt(st, stats, l.now)
		st.LastUpdated = l.now
	}
	return st, stats, true
}

func (l *Ledger) Send(_ context.Context, from location.ID, quantity uint32, toHash common.Hash) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("send"); err != nil {
		return common.Hash{}, err
	}
	st, stats, ok := l.settle(l.stateLocked(from))
	switch {
	case !ok:
		return common.Hash{}, ledger.Rejected("send", "no planet at origin")
	case st.Owner != l.account:
		return common.Hash{}, ledger.Rejected("send", "not owner")
	case st.Exiting():
		return common.Hash{}, ledger.Rejected("send", "planet is exiting")
	case quantity == 0 || quantity > st.NumSpaceships:
		return common.Hash{}, ledger.Rejected("send", "not enough spaceships")
	}
	id := commit.FleetID(toHash, from, l.account, l.account)
	if _, dup := l.fleets[id]; dup {
		return common.Hash{}, ledger.Rejected("send", "fleet exists")
	}
	st.NumSpaceships -= quantity
	l.planets[from] = st
	l.fleets[id] = &fleet{from: from, quantity: quantity, toHash: toHash, sender: l.account, launch: l.now, speed: stats.Speed}
	l.calls.Sends++
	return l.ack("send")
}

func (l *Ledger) ResolveFleet(_ context.Context, r ledger.FleetReveal) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("resolve"); err != nil {
		return common.Hash{}, err
	}
	fl, ok := l.fleets[r.FleetID]
	switch {
	case !ok:
		return common.Hash{}, ledger.Rejected("resolveFleet", "unknown fleet")
	case fl.resolved:
		return common.Hash{}, ledger.Rejected("resolveFleet", "fleet already resolved")
	case commit.FleetID(fl.toHash, r.From, r.FleetSender, r.Operator) != r.FleetID:
		return common.Hash{}, ledger.Rejected("resolveFleet", "fleet id mismatch")
	case !commit.Verify(fl.toHash, r.To, r.Secret, r.Params()):
		return common.Hash{}, ledger.Rejected("resolveFleet", "invalid secret")
	}
	dist := space.Distance(r.From.Coord(), r.To.Coord())
	if dist != r.Distance {
		return common.Hash{}, ledger.Rejected("resolveFleet", "distance mismatch")
	}
	arrival := l.model.EstimatedArrival(fl.launch, dist, fl.speed, r.ArrivalTimeWanted)
	if l.now < arrival {
		return common.Hash{}, ledger.Rejected("resolveFleet", "fleet not arrived")
	}
	l.land(fl, r)
	fl.resolved = true
	l.calls.Resolves++
	return l.ack("resolve")
}

func (l *Ledger) land(fl *fleet, r ledger.FleetReveal) {
	st, stats, ok := l.settle(l.stateLocked(r.To))
	if !ok {
		return
	}
	st.Location = r.To
	if r.Specific != (common.Address{}) && r.Specific != st.Owner {
		return
	}
	owned := st.Owner != (common.Address{})
	if owned && (r.Gift || st.Owner == fl.sender) {
		n := fl.quantity
		if st.Owner != fl.sender {
			n -= uint32(uint64(n) * uint64(l.cfg.GiftTaxPer10000) / 10000)
		}
		st.NumSpaceships += n
		l.planets[r.To] = st
		return
	}
	defenders := st.NumSpaceships
	if st.NeverOwned() {
		defenders = stats.Natives
	}
	fromStats, _ := l.model.StatsOf(fl.from)
	aLoss, dLoss, captured := space.Fight(fl.quantity, defenders, fromStats.Attack, stats.Defense, uint64(l.cfg.FleetSizeFactor6))
	if captured {
		st.Owner = fl.sender
		st.OwnershipStartTime = l.now
		st.ExitStartTime = 0
		st.NumSpaceships = fl.quantity - aLoss
		st.Active = true
	} else if !st.NeverOwned() {
		st.NumSpaceships = defenders - dLoss
	}
	st.LastUpdated = l.now
	l.planets[r.To] = st
}

func (l *Ledger) ExitMultipleFor(_ context.Context, player common.Address, ids []location.ID) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("exit"); err != nil {
		return common.Hash{}, err
	}
	for _, id := range ids {
		st := l.stateLocked(id)
		if st.Owner != player {
			return common.Hash{}, ledger.Rejected("exitMultipleFor", "not owner")
		}
		if st.Exiting() {
			return common.Hash{}, ledger.Rejected("exitMultipleFor", "already exiting")
		}
	}
	for _, id := range ids {
		st, _, _ := l.settle(l.stateLocked(id))
		st.ExitStartTime = l.now
		l.planets[id] = st
	}
	l.calls.Exits++
	return l.ack("exit")
}

func (l *Ledger) FetchAndWithdrawFor(_ context.Context, player common.Address, ids []location.ID) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("withdraw"); err != nil {
		return common.Hash{}, err
	}
	for _, id := range ids {
		if l.withdrawn[id] == player {
			continue
		}
		st := l.stateLocked(id)
		switch {
		case st.Owner != player:
			return common.Hash{}, ledger.Rejected("fetchAndWithdrawFor", "not owner")
		case !st.Exiting():
			return common.Hash{}, ledger.Rejected("fetchAndWithdrawFor", "not exiting")
		case l.now < st.ExitStartTime+l.cfg.ExitDuration:
			return common.Hash{}, ledger.Rejected("fetchAndWithdrawFor", "exit not complete")
		}
	}
	for _, id := range ids {
		if l.withdrawn[id] == player {
			continue
		}
		l.withdrawn[id] = player
		l.planets[id] = ledger.PlanetState{Location: id, LastUpdated: l.now}
	}
	l.calls.Withdraws++
	return l.ack("withdraw")
}
