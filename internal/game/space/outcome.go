package space

import (
	"math"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/ledger"
)

// SimInput describes a prospective fleet.
type SimInput struct {
	From     PlanetInfo
	To       PlanetInfo
	ToState  ledger.PlanetState
	Quantity uint32
	Sender   common.Address
	Now      int64
	// TravelTime overrides the computed travel time when > 0.
	TravelTime        int64
	ArrivalTimeWanted int64
	Gift              bool
	Specific          common.Address
}

// Result is the effect of one arrival against a fixed defending count.
type Result struct {
	Captured          bool   `json:"captured"`
	NumSpaceshipsLeft uint32 `json:"num_spaceships_left"`
	DefendersLeft     uint32 `json:"defenders_left"`
	AttackerLoss      uint32 `json:"attacker_loss"`
	DefenderLoss      uint32 `json:"defender_loss"`
}

// Outcome bounds the arrival result. Min is the attacker's worst case (most
// defenders), Max the best case.
type Outcome struct {
	Arrival    int64  `json:"arrival"`
	TravelTime int64  `json:"travel_time"`
	Distance   uint64 `json:"distance"`
	Defenders  Range  `json:"defenders"`
	Min        Result `json:"min"`
	Max        Result `json:"max"`
	// TimeUntilFails is how many seconds past Arrival the worst case still captures.
	// -1 means the advantage never runs out, 0 that it is already insufficient.
	TimeUntilFails   int64  `json:"time_until_fails"`
	NativeResistance bool   `json:"native_resistance"`
	Gift             bool   `json:"gift"`
	Tax              uint32 `json:"tax"`
	SpecificMismatch bool   `json:"specific_mismatch"`
}

func (m *Model) fleetSizeFactor() uint64 {
	if m.cfg.FleetSizeFactor6 < 0 {
		return 0
	}
	return uint64(m.cfg.FleetSizeFactor6)
}

func (m *Model) attack(quantity, defenders uint32, from, to PlanetStats) Result {
	aLoss, dLoss, captured := Fight(quantity, defenders, from.Attack, to.Defense, m.fleetSizeFactor())
	if captured {
		return Result{Captured: true, NumSpaceshipsLeft: quantity - aLoss, AttackerLoss: aLoss, DefenderLoss: dLoss}
	}
	return Result{DefendersLeft: defenders - dLoss, AttackerLoss: aLoss, DefenderLoss: dLoss}
}

func saturatingAdd(a, b uint32) uint32 {
	s := uint64(a) + uint64(b)
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

// SimulateOutcome predicts the bounded result of sending Quantity spaceships.
func (m *Model) SimulateOutcome(in SimInput) Outcome {
	dist := Distance(in.From.Coord, in.To.Coord)
	travel := in.TravelTime
	if travel <= 0 {
		travel = m.TravelTime(dist, in.From.Stats.Speed)
	}
	arrival := in.Now + travel
	if in.ArrivalTimeWanted > arrival {
		arrival = in.ArrivalTimeWanted
	}
	out := Outcome{Arrival: arrival, TravelTime: arrival - in.Now, Distance: dist, TimeUntilFails: -1}

	defenders, natives := m.Defenders(in.ToState, in.To.Stats, in.Now, arrival)
	out.Defenders = defenders
	out.NativeResistance = natives

	owner := in.ToState.Owner
	if in.Specific != (common.Address{}) && in.Specific != owner {
		out.SpecificMismatch = true
		out.Min = Result{DefendersLeft: defenders.Max, AttackerLoss: in.Quantity}
		out.Max = Result{DefendersLeft: defenders.Min, AttackerLoss: in.Quantity}
		out.TimeUntilFails = 0
		return out
	}

	if in.Quantity == 0 {
		out.Min = Result{DefendersLeft: defenders.Max}
		out.Max = Result{DefendersLeft: defenders.Min}
		return out
	}

	isOwned := owner != (common.Address{})
	if isOwned && (in.Gift || owner == in.Sender) {
		out.Gift = true
		if owner != in.Sender {
			out.Tax = uint32(uint64(in.Quantity) * uint64(m.cfg.GiftTaxPer10000) / 10000)
		}
		landed := in.Quantity - out.Tax
		out.Min = Result{NumSpaceshipsLeft: landed, DefendersLeft: saturatingAdd(defenders.Min, landed), AttackerLoss: out.Tax}
		out.Max = Result{NumSpaceshipsLeft: landed, DefendersLeft: saturatingAdd(defenders.Max, landed), AttackerLoss: out.Tax}
		return out
	}

	out.Min = m.attack(in.Quantity, defenders.Max, in.From.Stats, in.To.Stats)
	out.Max = m.attack(in.Quantity, defenders.Min, in.From.Stats, in.To.Stats)
	out.TimeUntilFails = m.timeUntilFails(in, arrival, out.Min.Captured)
	return out
}

func (m *Model) timeUntilFails(in SimInput, arrival int64, worstCaptured bool) int64 {
	if !worstCaptured {
		return 0
	}
	st, stats := in.ToState, in.To.Stats
	if st.NeverOwned() || !st.Active || st.Exiting() {
		return -1
	}
	atArrival := m.SpaceshipsAt(st, stats, arrival)
	if atArrival >= stats.Cap {
		return -1
	}
	if m.attack(in.Quantity, stats.Cap, in.From.Stats, stats).Captured {
		return -1
	}
	// Smallest defending count that holds; the attack fails for every larger count.
	lo, hi := atArrival, stats.Cap
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if m.attack(in.Quantity, mid, in.From.Stats, stats).Captured {
			lo = mid
		} else {
			hi = mid
		}
	}
	return m.timeToReach(st, stats, arrival, hi)
}
