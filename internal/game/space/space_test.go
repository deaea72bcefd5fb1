package space

import (
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/ledger"
)

func testConfig() ledger.ContractConfig {
	return ledger.ContractConfig{
		GenesisHash:                            crypto.Keccak256Hash([]byte("genesis")),
		ResolveWindow:                          3600,
		TimePerDistance:                        40000,
		ExitDuration:                           604800,
		ProductionSpeedUp:                      1,
		ProductionCapAsDuration:                3 * 86400,
		UpkeepProductionDecreaseRatePer10000th: 5000,
		GiftTaxPer10000:                        2000,
	}
}

func TestNormalTableFilled(t *testing.T) {
	if normalTable[0] != 0 || normalTable[63] != 15 {
		t.Fatalf("table ends: %d %d", normalTable[0], normalTable[63])
	}
	for i := 1; i < len(normalTable); i++ {
		if normalTable[i] < normalTable[i-1] {
			t.Fatalf("table not sorted at %d", i)
		}
	}
}

func TestStatsDeterministicAndInRange(t *testing.T) {
	m := New(testConfig())
	planets, _ := m.Discover(nil, 2000, 20)
	if len(planets) == 0 {
		t.Fatalf("no planets found in 2000 coordinates")
	}
	other := New(testConfig())
	for _, p := range planets {
		s2, ok := other.StatsOf(p.Location)
		if !ok {
			t.Fatalf("planet %v missing on second model", p.Coord)
		}
		s := p.Stats
		if s2.Attack != s.Attack || s2.Speed != s.Speed || s2.Natives != s.Natives || s2.Stake.Cmp(s.Stake) != 0 {
			t.Fatalf("stats differ for %v: %+v vs %+v", p.Coord, s, s2)
		}
		if s.Attack < 4000 || s.Attack > 4000+15*400 {
			t.Fatalf("attack out of range: %d", s.Attack)
		}
		if s.Defense < 4000 || s.Defense > 4000+15*400 {
			t.Fatalf("defense out of range: %d", s.Defense)
		}
		if s.Speed < 5005 || s.Speed > 5005+15*333 {
			t.Fatalf("speed out of range: %d", s.Speed)
		}
		if s.Natives < 15000 || s.Natives > 15000+15*3000 {
			t.Fatalf("natives out of range: %d", s.Natives)
		}
		if s.SubX < -1 || s.SubX > 1 || s.SubY < -1 || s.SubY > 1 {
			t.Fatalf("sub offsets out of range: %d,%d", s.SubX, s.SubY)
		}
		if s.Cap != uint32(uint64(s.Production)*3*86400/3600) {
			t.Fatalf("cap = %d for production %d", s.Cap, s.Production)
		}
		if s.Upkeep != s.Production/2 {
			t.Fatalf("upkeep = %d for production %d", s.Upkeep, s.Production)
		}
	}
}

func TestDiscoverResumes(t *testing.T) {
	m := New(testConfig())
	first, cursor := m.Discover(nil, 3000, 3)
	second, _ := m.Discover(&cursor, 3000, 3)
	all, _ := m.Discover(nil, 3000, 6)
	if len(first) != 3 || len(second) != 3 || len(all) != 6 {
		t.Fatalf("unexpected counts: %d %d %d", len(first), len(second), len(all))
	}
	joined := append(append([]PlanetInfo{}, first...), second...)
	for i := range all {
		if joined[i].Coord != all[i].Coord {
			t.Fatalf("resume mismatch at %d: %v vs %v", i, joined[i].Coord, all[i].Coord)
		}
	}
}

func TestCapUnboundedWhenDurationZero(t *testing.T) {
	cfg := testConfig()
	cfg.ProductionCapAsDuration = 0
	if got := New(cfg).capFor(3600); got != math.MaxUint32 {
		t.Fatalf("cap = %d", got)
	}
}

func TestDistance(t *testing.T) {
	cases := []struct {
		a, b location.Coord
		want uint64
	}{
		{location.Coord{X: 0, Y: 0}, location.Coord{X: 5, Y: 5}, 7},
		{location.Coord{X: 0, Y: 0}, location.Coord{X: 3, Y: 4}, 5},
		{location.Coord{X: -3, Y: -4}, location.Coord{X: 0, Y: 0}, 5},
		{location.Coord{X: 2, Y: 2}, location.Coord{X: 2, Y: 2}, 0},
		{location.Coord{X: 0, Y: 0}, location.Coord{X: 1, Y: 1}, 1},
	}
	for _, tc := range cases {
		if got := Distance(tc.a, tc.b); got != tc.want {
			t.Fatalf("Distance(%v,%v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTravelTimeMultipliesBeforeDividing(t *testing.T) {
	m := New(testConfig())
	// 7*40000*10000/6000 = 466666; dividing early would give 466662.
	if got := m.TravelTime(7, 6000); got != 466666 {
		t.Fatalf("travel time = %d", got)
	}
	if got := m.EstimatedArrival(1000, 7, 6000, 0); got != 1000+466666 {
		t.Fatalf("eta = %d", got)
	}
	if got := m.EstimatedArrival(1000, 7, 6000, 10_000_000); got != 10_000_000 {
		t.Fatalf("eta with wanted arrival = %d", got)
	}
}

func TestFightVectors(t *testing.T) {
	cases := []struct {
		name           string
		n, d, atk, def uint32
		f              uint64
		aLoss, dLoss   uint32
		captured       bool
	}{
		{"even strong attacker", 10, 5, 10000, 10000, 0, 5, 5, true},
		{"even weak attacker", 5, 10, 10000, 10000, 0, 5, 5, false},
		{"tie keeps one ship", 10, 10, 10000, 10000, 0, 9, 10, true},
		{"fleet size factor", 10, 5, 10000, 10000, 500000, 3, 5, true},
		{"attack advantage", 10, 10, 20000, 10000, 0, 5, 10, true},
		{"undefended", 10, 0, 10000, 10000, 0, 0, 0, true},
		{"empty fleet", 0, 10, 10000, 10000, 0, 0, 0, false},
	}
	for _, tc := range cases {
		a, d, c := Fight(tc.n, tc.d, tc.atk, tc.def, tc.f)
		if a != tc.aLoss || d != tc.dLoss || c != tc.captured {
			t.Fatalf("%s: got (%d,%d,%v), want (%d,%d,%v)", tc.name, a, d, c, tc.aLoss, tc.dLoss, tc.captured)
		}
	}
}

func TestFightMonotoneInQuantity(t *testing.T) {
	for _, f := range []uint64{0, 250000, 1000000} {
		wasCaptured := false
		for n := uint32(1); n <= 400; n++ {
			_, _, c := Fight(n, 137, 7200, 9600, f)
			if wasCaptured && !c {
				t.Fatalf("f=%d: capture lost when growing fleet to %d", f, n)
			}
			wasCaptured = wasCaptured || c
		}
		if !wasCaptured {
			t.Fatalf("f=%d: 400 ships never captured 137", f)
		}
	}
}

func ownedState(n uint32, lastUpdated int64) ledger.PlanetState {
	return ledger.PlanetState{
		Owner:         common.HexToAddress("0xdef"),
		NumSpaceships: n,
		LastUpdated:   lastUpdated,
		Active:        true,
	}
}

func TestSpaceshipsAt(t *testing.T) {
	m := New(testConfig())
	stats := PlanetStats{Production: 3600, Upkeep: 3600, Cap: math.MaxUint32}

	if got := m.SpaceshipsAt(ownedState(100, 1000), stats, 1000+3600); got != 3700 {
		t.Fatalf("accrual = %d", got)
	}
	capped := stats
	capped.Cap = 200
	if got := m.SpaceshipsAt(ownedState(100, 1000), capped, 1000+3600); got != 200 {
		t.Fatalf("capped accrual = %d", got)
	}
	if got := m.SpaceshipsAt(ownedState(500, 1000), capped, 1100); got != 400 {
		t.Fatalf("upkeep = %d", got)
	}
	if got := m.SpaceshipsAt(ownedState(500, 1000), capped, 1_000_000); got != 200 {
		t.Fatalf("upkeep floor = %d", got)
	}
	exiting := ownedState(100, 1000)
	exiting.ExitStartTime = 1000
	if got := m.SpaceshipsAt(exiting, stats, 5000); got != 100 {
		t.Fatalf("exiting planet changed: %d", got)
	}
	inactive := ownedState(100, 1000)
	inactive.Active = false
	if got := m.SpaceshipsAt(inactive, stats, 5000); got != 100 {
		t.Fatalf("inactive planet changed: %d", got)
	}
}

func TestDefenders(t *testing.T) {
	m := New(testConfig())
	stats := PlanetStats{Production: 3600, Cap: 10000, Natives: 42}
	r, natives := m.Defenders(ledger.PlanetState{}, stats, 0, 1000)
	if !natives || r.Min != 42 || r.Max != 42 {
		t.Fatalf("natives = %+v %v", r, natives)
	}
	r, natives = m.Defenders(ownedState(10, 100), stats, 100, 200)
	if natives || r.Min != 10 || r.Max != 110 {
		t.Fatalf("owned range = %+v %v", r, natives)
	}
}

func TestTimeToReach(t *testing.T) {
	m := New(testConfig())
	stats := PlanetStats{Production: 3600, Cap: 10000}
	st := ownedState(100, 1000)
	if got := m.timeToReach(st, stats, 1000, 150); got != 50 {
		t.Fatalf("timeToReach = %d", got)
	}
	if got := m.timeToReach(st, stats, 1010, 150); got != 40 {
		t.Fatalf("timeToReach later = %d", got)
	}
	if got := m.timeToReach(st, stats, 1000, 20000); got != -1 {
		t.Fatalf("above cap = %d", got)
	}
}

func outcomeFixture() (from, to PlanetInfo) {
	from = PlanetInfo{
		Coord: location.Coord{X: 0, Y: 0},
		Stats: PlanetStats{Attack: 10000, Defense: 10000, Speed: 10000, Production: 3600, Cap: 10000},
	}
	to = PlanetInfo{
		Coord: location.Coord{X: 5, Y: 5},
		Stats: PlanetStats{Attack: 10000, Defense: 10000, Speed: 10000, Production: 3600, Cap: 10000, Natives: 50},
	}
	from.Location = location.PackCoord(from.Coord)
	to.Location = location.PackCoord(to.Coord)
	return from, to
}

func TestSimulateOutcomeNatives(t *testing.T) {
	m := New(testConfig())
	from, to := outcomeFixture()
	out := m.SimulateOutcome(SimInput{From: from, To: to, Quantity: 100, Now: 1000})
	if !out.NativeResistance || out.Defenders.Min != 50 || out.Defenders.Max != 50 {
		t.Fatalf("defenders = %+v natives=%v", out.Defenders, out.NativeResistance)
	}
	if !out.Min.Captured || out.Min.NumSpaceshipsLeft != 50 || out.Max.NumSpaceshipsLeft != 50 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.TimeUntilFails != -1 {
		t.Fatalf("time until fails = %d", out.TimeUntilFails)
	}
	// 7*40000*10000/10000
	if out.Arrival != 1000+280000 || out.Distance != 7 {
		t.Fatalf("arrival = %d distance = %d", out.Arrival, out.Distance)
	}
}

func TestSimulateOutcomeBoundsAndTimeUntilFails(t *testing.T) {
	m := New(testConfig())
	from, to := outcomeFixture()
	st := ownedState(10, 1000)
	out := m.SimulateOutcome(SimInput{From: from, To: to, ToState: st, Quantity: 200, Now: 1000, TravelTime: 100, Sender: common.HexToAddress("0xabc")})
	if out.Defenders.Min != 10 || out.Defenders.Max != 110 {
		t.Fatalf("defenders = %+v", out.Defenders)
	}
	if !out.Min.Captured || out.Min.NumSpaceshipsLeft != 90 {
		t.Fatalf("worst case = %+v", out.Min)
	}
	if !out.Max.Captured || out.Max.NumSpaceshipsLeft != 190 {
		t.Fatalf("best case = %+v", out.Max)
	}
	// Fails once 201 defenders stand: 191 produced seconds, 100 already spent travelling.
	if out.TimeUntilFails != 91 {
		t.Fatalf("time until fails = %d", out.TimeUntilFails)
	}

	weak := m.SimulateOutcome(SimInput{From: from, To: to, ToState: st, Quantity: 50, Now: 1000, TravelTime: 100, Sender: common.HexToAddress("0xabc")})
	if weak.Min.Captured || weak.TimeUntilFails != 0 {
		t.Fatalf("weak attack = %+v", weak)
	}
	if weak.Min.NumSpaceshipsLeft != 0 || weak.Min.DefendersLeft != 60 {
		t.Fatalf("weak worst case = %+v", weak.Min)
	}
}

func TestSimulateOutcomeGiftAndSpecific(t *testing.T) {
	m := New(testConfig())
	from, to := outcomeFixture()
	st := ownedState(10, 1000)
	sender := common.HexToAddress("0xabc")

	gift := m.SimulateOutcome(SimInput{From: from, To: to, ToState: st, Quantity: 100, Now: 1000, TravelTime: 100, Sender: sender, Gift: true})
	if !gift.Gift || gift.Tax != 20 || gift.Min.NumSpaceshipsLeft != 80 || gift.Max.DefendersLeft != 190 {
		t.Fatalf("gift = %+v", gift)
	}

	own := m.SimulateOutcome(SimInput{From: from, To: to, ToState: ownedState(10, 1000), Quantity: 100, Now: 1000, TravelTime: 100, Sender: st.Owner})
	if !own.Gift || own.Tax != 0 {
		t.Fatalf("own reinforcement = %+v", own)
	}

	mismatch := m.SimulateOutcome(SimInput{From: from, To: to, ToState: st, Quantity: 100, Now: 1000, TravelTime: 100, Sender: sender, Specific: common.HexToAddress("0x123")})
	if !mismatch.SpecificMismatch || mismatch.Min.Captured || mismatch.Min.AttackerLoss != 100 {
		t.Fatalf("mismatch = %+v", mismatch)
	}

	empty := m.SimulateOutcome(SimInput{From: from, To: to, ToState: st, Quantity: 0, Now: 1000, TravelTime: 100, Sender: sender})
	if empty.Min.Captured || empty.Min.AttackerLoss != 0 || empty.Min.DefendersLeft != 110 {
		t.Fatalf("empty fleet = %+v", empty)
	}
}
