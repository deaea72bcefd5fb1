// Package space reproduces the contract's planet statistics and its production and
// combat arithmetic off-chain. Everything here is a pure function of coordinates,
// contract config and a planet state snapshot.
package space

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/ledger"
)

// PlanetStats are the static statistics of a planet. Attack, Defense and Speed are
// expressed per 10000.
type PlanetStats struct {
	Type       uint8    `json:"type"`
	SubX       int8     `json:"sub_x"`
	SubY       int8     `json:"sub_y"`
	Stake      *big.Int `json:"stake"`
	Production uint32   `json:"production"`
	Attack     uint32   `json:"attack"`
	Defense    uint32   `json:"defense"`
	Speed      uint32   `json:"speed"`
	Natives    uint32   `json:"natives"`
	Cap        uint32   `json:"cap"`
	Upkeep     uint32   `json:"upkeep"`
}

type PlanetInfo struct {
	Location location.ID    `json:"location"`
	Coord    location.Coord `json:"coord"`
	Stats    PlanetStats    `json:"stats"`
}

// Model is the pure formula library bound to one contract config.
type Model struct {
	cfg ledger.ContractConfig
}

func New(cfg ledger.ContractConfig) *Model {
	return &Model{cfg: cfg}
}

func (m *Model) Config() ledger.ContractConfig { return m.cfg }

var (
	stakeRange = [16]int64{4, 5, 5, 10, 10, 15, 15, 20, 20, 30, 30, 40, 40, 80, 80, 100}

	productionRange = [16]uint32{
		1800, 2100, 2400, 2700, 3000, 3300, 3600, 3600,
		3600, 3600, 4200, 5400, 6600, 7800, 9000, 12000,
	}

	// normalTable maps a uniform 6-bit draw onto 0..15 with a bell-shaped spread.
	normalTable [64]uint8
)

func init() {
	counts := [16]int{1, 1, 2, 3, 4, 5, 6, 9, 9, 6, 5, 4, 3, 3, 2, 1}
	i := 0
	for v, n := range counts {
		for k := 0; k < n; k++ {
			normalTable[i] = uint8(v)
			i++
		}
	}
}

func planetData(genesis [32]byte, id location.ID) *uint256.Int {
	loc := id.Bytes32()
	h := crypto.Keccak256Hash(genesis[:], loc[:])
	return new(uint256.Int).SetBytes32(h[:])
}

func value8Mod(data *uint256.Int, lsb uint, mod uint64) uint8 {
	v := new(uint256.Int).Rsh(data, lsb)
	v.Mod(v, uint256.NewInt(mod))
	return uint8(v.Uint64())
}

func normal8(data *uint256.Int, lsb uint) uint8 {
	return normalTable[value8Mod(data, lsb, 64)]
}

// StatsAt returns the planet at (x, y), or false when the location is empty space.
func (m *Model) StatsAt(x, y int64) (PlanetStats, bool) {
	return m.StatsOf(location.Pack(x, y))
}

func (m *Model) StatsOf(id location.ID) (PlanetStats, bool) {
	data := planetData(m.cfg.GenesisHash, id)
	if value8Mod(data, 52, 16) != 1 {
		return PlanetStats{}, false
	}

	productionIndex := normal8(data, 12)
	stake := new(big.Int).Mul(big.NewInt(stakeRange[productionIndex]), big.NewInt(1e18))

	s := PlanetStats{
		Type:       value8Mod(data, 60, 23),
		SubX:       int8(1) - int8(value8Mod(data, 0, 3)),
		SubY:       int8(1) - int8(value8Mod(data, 2, 3)),
		Stake:      stake,
		Production: productionRange[productionIndex],
		Attack:     4000 + uint32(normal8(data, 20))*400,
		Defense:    4000 + uint32(normal8(data, 28))*400,
		Speed:      5005 + uint32(normal8(data, 36))*333,
		Natives:    15000 + uint32(normal8(data, 44))*3000,
	}
	s.Cap = m.capFor(s.Production)
	s.Upkeep = uint32(int64(s.Production) * m.cfg.UpkeepProductionDecreaseRatePer10000th / 10000)
	return s, true
}

func (m *Model) capFor(production uint32) uint32 {
	if m.cfg.ProductionCapAsDuration <= 0 {
		return math.MaxUint32
	}
	c := uint64(production) * uint64(m.cfg.ProductionCapAsDuration) / 3600
	if c > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(c)
}

// InfoOf returns the full static info for a location id.
func (m *Model) InfoOf(id location.ID) (PlanetInfo, bool) {
	s, ok := m.StatsOf(id)
	if !ok {
		return PlanetInfo{}, false
	}
	return PlanetInfo{Location: id, Coord: id.Coord(), Stats: s}, true
}

// Discover walks the spiral from the origin and returns up to limit planets found
// within maxSteps coordinates.
func (m *Model) Discover(cursor *location.SpiralState, maxSteps, limit int) ([]PlanetInfo, location.SpiralState) {
	var out []PlanetInfo
	var last location.SpiralState
	if cursor != nil {
		last = *cursor
	}
	for i := 0; i < maxSteps && len(out) < limit; i++ {
		last = location.SpiralNext(cursor)
		cursor = &last
		if info, ok := m.InfoOf(location.Pack(last.X, last.Y)); ok {
			out = append(out, info)
		}
	}
	return out, last
}
