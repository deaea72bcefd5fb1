package space

import (
	"github.com/holiman/uint256"

	"conquest.eth/internal/game/location"
)

func absDiff(a, b int64) uint64 {
	if a >= b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

// Distance is the Euclidean distance floored to an integer, computed exactly.
func Distance(a, b location.Coord) uint64 {
	dx := uint256.NewInt(absDiff(a.X, b.X))
	dy := uint256.NewInt(absDiff(a.Y, b.Y))
	dx.Mul(dx, dx)
	dy.Mul(dy, dy)
	sq := new(uint256.Int).Add(dx, dy)
	return new(uint256.Int).Sqrt(sq).Uint64()
}

// TravelTime is distance * timePerDistance * 10000 / speed, truncating only after
// the multiplication, the way the contract does.
func (m *Model) TravelTime(distance uint64, speed uint32) int64 {
	if speed == 0 {
		return 0
	}
	v := uint256.NewInt(distance)
	v.Mul(v, uint256.NewInt(uint64(m.cfg.TimePerDistance)))
	v.Mul(v, uint256.NewInt(10000))
	v.Div(v, uint256.NewInt(uint64(speed)))
	return int64(v.Uint64())
}

// TimeToArrive is the travel time from a planet to a coordinate.
func (m *Model) TimeToArrive(from PlanetInfo, to location.Coord) int64 {
	return m.TravelTime(Distance(from.Coord, to), from.Stats.Speed)
}

// EstimatedArrival is the earliest reach time, pushed back to arrivalTimeWanted when
// the sender asked for a later arrival.
func (m *Model) EstimatedArrival(launch int64, distance uint64, speed uint32, arrivalTimeWanted int64) int64 {
	eta := launch + m.TravelTime(distance, speed)
	if arrivalTimeWanted > eta {
		return arrivalTimeWanted
	}
	return eta
}
