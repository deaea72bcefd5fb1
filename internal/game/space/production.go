package space

import (
	"math"

	"conquest.eth/internal/ledger"
)

func (m *Model) speedUp() uint64 {
	if m.cfg.ProductionSpeedUp == 0 {
		return 1
	}
	return uint64(m.cfg.ProductionSpeedUp)
}

// SpaceshipsAt projects the spaceship count of an owned planet to time t.
// Below the cap production accrues per hour; above it upkeep drains toward the cap.
// Inactive and exiting planets neither produce nor pay upkeep.
func (m *Model) SpaceshipsAt(st ledger.PlanetState, stats PlanetStats, t int64) uint32 {
	n := uint64(st.NumSpaceships)
	if !st.Active || st.Exiting() || t <= st.LastUpdated {
		return st.NumSpaceships
	}
	dt := uint64(t - st.LastUpdated)
	ceiling := uint64(stats.Cap)
	switch {
	case n < ceiling:
		n += dt * uint64(stats.Production) * m.speedUp() / 3600
		if n > ceiling {
			n = ceiling
		}
	case n > ceiling:
		drain := dt * uint64(stats.Upkeep) * m.speedUp() / 3600
		if drain >= n-ceiling {
			n = ceiling
		} else {
			n -= drain
		}
	}
	if n > math.MaxUint32 {
		n = math.MaxUint32
	}
	return uint32(n)
}

// Range is an inclusive min/max bound.
type Range struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// Defenders bounds the defending count between now and arrival. Natives are a fixed
// count; owned planets move monotonically toward their cap, so the two endpoints
// bound every instant in between.
func (m *Model) Defenders(st ledger.PlanetState, stats PlanetStats, now, arrival int64) (r Range, natives bool) {
	if st.NeverOwned() {
		return Range{Min: stats.Natives, Max: stats.Natives}, true
	}
	cur := m.SpaceshipsAt(st, stats, now)
	proj := m.SpaceshipsAt(st, stats, arrival)
	if cur <= proj {
		return Range{Min: cur, Max: proj}, false
	}
	return Range{Min: proj, Max: cur}, false
}

// timeToReach returns the seconds after `from` at which production lifts the count
// to target, or -1 when it never does.
func (m *Model) timeToReach(st ledger.PlanetState, stats PlanetStats, from int64, target uint32) int64 {
	if !st.Active || st.Exiting() || stats.Production == 0 || target > stats.Cap {
		return -1
	}
	cur := m.SpaceshipsAt(st, stats, from)
	if cur >= target {
		return 0
	}
	// Smallest dt with (elapsed+dt)*production*speedUp/3600 >= target-base.
	rate := uint64(stats.Production) * m.speedUp()
	base := uint64(st.NumSpaceships)
	elapsed := uint64(from - st.LastUpdated)
	if from < st.LastUpdated {
		elapsed = 0
	}
	need := (uint64(target) - base) * 3600
	total := (need + rate - 1) / rate
	if total <= elapsed {
		return 0
	}
	return int64(total - elapsed)
}
