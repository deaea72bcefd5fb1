package pendingdb

import (
	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
)

// Fleet is the local mirror of a committed fleet. The secret exists nowhere else:
// losing this record makes the fleet unresolvable.
type Fleet struct {
	FleetID           common.Hash    `json:"fleet_id"`
	ToHash            common.Hash    `json:"to_hash"`
	From              location.ID    `json:"from"`
	To                location.ID    `json:"to"`
	Quantity          uint32         `json:"quantity"`
	Secret            commit.Secret  `json:"secret"`
	Gift              bool           `json:"gift"`
	Specific          common.Address `json:"specific"`
	ArrivalTimeWanted int64          `json:"arrival_time_wanted"`
	Sender            common.Address `json:"sender"`
	Operator          common.Address `json:"operator"`
	Distance          uint64         `json:"distance"`
	CommittedAt       int64          `json:"committed_at"`
	EstimatedArrival  int64          `json:"estimated_arrival"`

	TxHash common.Hash `json:"tx_hash"`
	// Confirmed is set when the ledger shows the fleet but the send handle was lost.
	Confirmed     bool        `json:"confirmed,omitempty"`
	Resolved      bool        `json:"resolved"`
	ResolvedAt    int64       `json:"resolved_at,omitempty"`
	ResolveTxHash common.Hash `json:"resolve_tx_hash"`

	// Set when the last submission attempt failed.
	SubmitError    string `json:"submit_error,omitempty"`
	SubmitRejected bool   `json:"submit_rejected,omitempty"`
}

// Submitted reports whether the send reached the ledger.
func (f Fleet) Submitted() bool { return f.TxHash != (common.Hash{}) || f.Confirmed }

func (f Fleet) Params() commit.Params {
	return commit.Params{Gift: f.Gift, Specific: f.Specific, ArrivalTimeWanted: f.ArrivalTimeWanted}
}

// Exit tracks a planet exit from request to withdrawal.
type Exit struct {
	Planet            location.ID    `json:"planet"`
	Player            common.Address `json:"player"`
	Owner             common.Address `json:"owner"`
	ExitStartTime     int64          `json:"exit_start_time"`
	ExitDuration      int64          `json:"exit_duration"`
	ExitCompleteTime  int64          `json:"exit_complete_time"`
	SpaceshipsAtStart uint32         `json:"spaceships_at_start"`

	// Submitted is set once the ledger accepted the exit, even if TxHash was lost.
	Submitted     bool  `json:"submitted"`
	Completed     bool  `json:"completed"`
	Interrupted   bool  `json:"interrupted"`
	Withdrawn     bool  `json:"withdrawn"`
	LastCheckedAt int64 `json:"last_checked_at"`

	TxHash         common.Hash `json:"tx_hash"`
	WithdrawTxHash common.Hash `json:"withdraw_tx_hash"`
}

// Open exits still need attention from the sweep.
func (e Exit) Open() bool { return !e.Withdrawn && !e.Interrupted }

type FleetFilter struct {
	Sender      common.Address
	Unresolved  bool
	Unsubmitted bool
	// ArrivedBy keeps fleets with EstimatedArrival <= ArrivedBy when non-zero.
	ArrivedBy int64
}

type ExitFilter struct {
	Player   common.Address
	OpenOnly bool
}

// Stats are row counts by lifecycle stage.
type Stats struct {
	FleetsUnsubmitted int `json:"fleets_unsubmitted"`
	FleetsInFlight    int `json:"fleets_in_flight"`
	FleetsResolved    int `json:"fleets_resolved"`
	ExitsInProgress   int `json:"exits_in_progress"`
	ExitsCompleted    int `json:"exits_completed"`
	ExitsInterrupted  int `json:"exits_interrupted"`
	ExitsWithdrawn    int `json:"exits_withdrawn"`
}
