// Package ledger defines the boundary to the game contract: the immutable contract
// configuration, the planet state the contract owns, and the narrow read/write
// capabilities the lifecycle managers consume.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
)

// ContractConfig is read once per session and treated as immutable until refreshed.
type ContractConfig struct {
	GenesisHash common.Hash `json:"genesis_hash"`
	GenesisTime int64       `json:"genesis_time"`

	ResolveWindow   int64 `json:"resolve_window"`
	TimePerDistance int64 `json:"time_per_distance"`
	ExitDuration    int64 `json:"exit_duration"`

	AcquireNumSpaceships                   uint32 `json:"acquire_num_spaceships"`
	ProductionSpeedUp                      uint32 `json:"production_speed_up"`
	ProductionCapAsDuration                int64  `json:"production_cap_as_duration"`
	UpkeepProductionDecreaseRatePer10000th int64  `json:"upkeep_production_decrease_rate_per_10000th"`
	FleetSizeFactor6                       int64  `json:"fleet_size_factor6"`
	GiftTaxPer10000                        int64  `json:"gift_tax_per_10000"`
	FrontrunningDelay                      int64  `json:"frontrunning_delay"`
}

func (c ContractConfig) Validate() error {
	if c.TimePerDistance <= 0 {
		return fmt.Errorf("time_per_distance must be > 0")
	}
	if c.ResolveWindow < 0 || c.ExitDuration < 0 {
		return fmt.Errorf("resolve_window and exit_duration must be >= 0")
	}
	if c.FleetSizeFactor6 < 0 || c.FleetSizeFactor6 > 1_000_000 {
		return fmt.Errorf("fleet_size_factor6 must be within [0, 1000000]")
	}
	if c.GiftTaxPer10000 < 0 || c.GiftTaxPer10000 > 10_000 {
		return fmt.Errorf("gift_tax_per_10000 must be within [0, 10000]")
	}
	return nil
}

// PlanetState is a short-lived copy of what the contract holds for a planet.
type PlanetState struct {
	Location           location.ID    `json:"location"`
	Owner              common.Address `json:"owner"`
	OwnershipStartTime int64          `json:"ownership_start_time"`
	ExitStartTime      int64          `json:"exit_start_time"`
	NumSpaceships      uint32         `json:"num_spaceships"`
	LastUpdated        int64          `json:"last_updated"`
	Active             bool           `json:"active"`
	Reward             *big.Int       `json:"reward,omitempty"`
}

func (s PlanetState) Exiting() bool { return s.ExitStartTime != 0 }

// NeverOwned planets are still defended by their native population.
func (s PlanetState) NeverOwned() bool {
	return s.Owner == (common.Address{}) && s.LastUpdated == 0
}

// FleetState is what the ledger holds for a sent fleet. A fleet the ledger never
// accepted reads back with a zero owner.
type FleetState struct {
	Owner      common.Address `json:"owner"`
	LaunchTime int64          `json:"launch_time"`
	Quantity   uint32         `json:"quantity"`
}

func (s FleetState) Exists() bool { return s.Owner != (common.Address{}) }

// FleetReveal is the exact tuple the contract needs to resolve a fleet.
type FleetReveal struct {
	FleetID           common.Hash    `json:"fleet_id"`
	From              location.ID    `json:"from"`
	To                location.ID    `json:"to"`
	Distance          uint64         `json:"distance"`
	ArrivalTimeWanted int64          `json:"arrival_time_wanted"`
	Gift              bool           `json:"gift"`
	Specific          common.Address `json:"specific"`
	Secret            commit.Secret  `json:"secret"`
	FleetSender       common.Address `json:"fleet_sender"`
	Operator          common.Address `json:"operator"`
}

func (r FleetReveal) Params() commit.Params {
	return commit.Params{Gift: r.Gift, Specific: r.Specific, ArrivalTimeWanted: r.ArrivalTimeWanted}
}

// Identity is the account the client signs as. It is both fleet sender and operator.
type Identity interface {
	Account() common.Address
}

type Reader interface {
	Config(ctx context.Context) (ContractConfig, error)
	PlanetStates(ctx context.Context, ids []location.ID) ([]PlanetState, error)
	// Now is the ledger clock in unix seconds.
	Now(ctx context.Context) (int64, error)
}

// FleetReader looks up a fleet by id and origin. It settles submissions whose
// outcome was lost in transit.
type FleetReader interface {
	Fleet(ctx context.Context, id common.Hash, from location.ID) (FleetState, error)
}

type FleetWriter interface {
	Send(ctx context.Context, from location.ID, quantity uint32, toHash common.Hash) (common.Hash, error)
	ResolveFleet(ctx context.Context, r FleetReveal) (common.Hash, error)
}

type ExitWriter interface {
	ExitMultipleFor(ctx context.Context, player common.Address, ids []location.ID) (common.Hash, error)
	FetchAndWithdrawFor(ctx context.Context, player common.Address, ids []location.ID) (common.Hash, error)
}

// Client is the full ledger collaborator.
type Client interface {
	Identity
	Reader
	FleetReader
	FleetWriter
	ExitWriter
}

// RejectedError is a simulation revert or submission rejection carrying the
// contract's reason string.
type RejectedError struct {
	Method string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s rejected", e.Method)
	}
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Reason)
}

func Rejected(method, reason string) error {
	return &RejectedError{Method: method, Reason: reason}
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// FetchPlanet reads a single planet state.
func FetchPlanet(ctx context.Context, r Reader, id location.ID) (PlanetState, error) {
	states, err := r.PlanetStates(ctx, []location.ID{id})
	if err != nil {
		return PlanetState{}, err
	}
	if len(states) != 1 {
		return PlanetState{}, fmt.Errorf("planet states: want 1 result, got %d", len(states))
	}
	return states[0], nil
}
