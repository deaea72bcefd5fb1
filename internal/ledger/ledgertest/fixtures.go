package ledgertest

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
)

const GenesisTime int64 = 1_700_000_000

// Config returns a plausible contract configuration for genesis.
func Config(genesis common.Hash) ledger.ContractConfig {
	return ledger.ContractConfig{
		GenesisHash:                            genesis,
		GenesisTime:                            GenesisTime,
		ResolveWindow:                          3 * 3600,
		TimePerDistance:                        40000,
		ExitDuration:                           604800,
		AcquireNumSpaceships:                   100000,
		ProductionSpeedUp:                      1,
		ProductionCapAsDuration:                3 * 86400,
		UpkeepProductionDecreaseRatePer10000th: 5000,
		FleetSizeFactor6:                       500000,
		GiftTaxPer10000:                        2000,
		FrontrunningDelay:                      1800,
	}
}

// GenesisWithPlanets searches for a genesis hash under which every coordinate holds
// a planet.
func GenesisWithPlanets(coords ...location.Coord) common.Hash {
	var b [8]byte
	for i := uint64(0); i < 1<<22; i++ {
		binary.BigEndian.PutUint64(b[:], i)
		g := crypto.Keccak256Hash([]byte("conquest-test-genesis"), b[:])
		m := space.New(ledger.ContractConfig{GenesisHash: g, TimePerDistance: 1})
		ok := true
		for _, c := range coords {
			if _, exists := m.StatsAt(c.X, c.Y); !exists {
				ok = false
				break
			}
		}
		if ok {
			return g
		}
	}
	panic(fmt.Sprintf("ledgertest: no genesis with planets at %v", coords))
}
