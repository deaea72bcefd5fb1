// Package fleet drives a fleet from commitment to resolution: committed (persisted,
// possibly submitted) -> resolvable (window open) -> resolved.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

type Store interface {
	PutFleet(pendingdb.Fleet) error
	GetFleet(common.Hash) (pendingdb.Fleet, error)
	UpdateFleet(common.Hash, func(*pendingdb.Fleet) error) (pendingdb.Fleet, error)
	ListFleets(pendingdb.FleetFilter) ([]pendingdb.Fleet, error)
	DeleteResolvedFleetsBefore(int64) (int, error)
}

// Ledger is the slice of the ledger client the fleet lifecycle needs.
type Ledger interface {
	ledger.Identity
	Now(ctx context.Context) (int64, error)
	ledger.FleetReader
	ledger.FleetWriter
}

type Config struct {
	Store  Store
	Ledger Ledger
	Model  *space.Model
	Logger *log.Logger
	// Notify receives every lifecycle transition. Optional.
	Notify func(protocol.Event)
}

type Manager struct {
	store  Store
	ledger Ledger
	model  *space.Model
	logger *log.Logger
	notify func(protocol.Event)
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Model == nil {
		return nil, fmt.Errorf("fleet: store, ledger and model are required")
	}
	m := &Manager{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		model:  cfg.Model,
		logger: cfg.Logger,
		notify: cfg.Notify,
	}
	if m.logger == nil {
		m.logger = log.New(io.Discard, "", 0)
	}
	return m, nil
}

func (m *Manager) emit(kind string, at int64, rec pendingdb.Fleet, data map[string]any) {
	if m.notify == nil {
		return
	}
	m.notify(protocol.Event{Kind: kind, At: at, Subject: rec.FleetID.Hex(), Data: data})
}

type SendRequest struct {
	From              location.ID
	To                location.ID
	Quantity          uint32
	Gift              bool
	Specific          common.Address
	ArrivalTimeWanted int64
	// Secret is generated when nil.
	Secret *commit.Secret
}

func ledgerError(method string, err error) *protocol.Error {
	var rej *ledger.RejectedError
	if errors.As(err, &rej) {
		return protocol.Wrap(protocol.ErrLedgerRejected, err, "%s", method)
	}
	return protocol.Wrap(protocol.ErrLedgerUnavailable, err, "%s", method).WithRetry()
}

// Send commits a fleet. The record, secret included, is durable before the ledger
// sees anything. When submission fails the committed record is returned together
// with the error so the caller can retry it.
func (m *Manager) Send(ctx context.Context, req SendRequest) (pendingdb.Fleet, error) {
	if req.Quantity == 0 {
		return pendingdb.Fleet{}, protocol.Errorf(protocol.ErrBadRequest, "quantity must be > 0")
	}
	if req.From == req.To {
		return pendingdb.Fleet{}, protocol.Errorf(protocol.ErrBadRequest, "origin and destination are the same planet")
	}
	from, ok := m.model.InfoOf(req.From)
	if !ok {
		return pendingdb.Fleet{}, protocol.Errorf(protocol.ErrBadRequest, "no planet at origin %s", req.From.Coord())
	}
	if _, ok := m.model.InfoOf(req.To); !ok {
		return pendingdb.Fleet{}, protocol.Errorf(protocol.ErrBadRequest, "no planet at destination %s", req.To.Coord())
	}

	now, err := m.ledger.Now(ctx)
	if err != nil {
		return pendingdb.Fleet{}, ledgerError("now", err)
	}
	var secret commit.Secret
	if req.Secret != nil {
		secret = *req.Secret
	} else if secret, err = commit.GenerateSecret(); err != nil {
		return pendingdb.Fleet{}, protocol.Wrap(protocol.ErrInternal, err, "generate secret")
	}

	account := m.ledger.Account()
	params := commit.Params{Gift: req.Gift, Specific: req.Specific, ArrivalTimeWanted: req.ArrivalTimeWanted}
	toHash := commit.ToHash(req.To, secret, params)
	dist := space.Distance(from.Coord, req.To.Coord())
	rec := pendingdb.Fleet{
		FleetID:           commit.FleetID(toHash, req.From, account, account),
		ToHash:            toHash,
		From:              req.From,
		To:                req.To,
		Quantity:          req.Quantity,
		Secret:            secret,
		Gift:              req.Gift,
		Specific:          req.Specific,
		ArrivalTimeWanted: req.ArrivalTimeWanted,
		Sender:            account,
		Operator:          account,
		Distance:          dist,
		CommittedAt:       now,
		EstimatedArrival:  m.model.EstimatedArrival(now, dist, from.Stats.Speed, req.ArrivalTimeWanted),
	}
	if err := m.store.PutFleet(rec); err != nil {
		if errors.Is(err, pendingdb.ErrExists) {
			return pendingdb.Fleet{}, protocol.Wrap(protocol.ErrConflict, err, "fleet %s", rec.FleetID.Hex())
		}
		return pendingdb.Fleet{}, protocol.Wrap(protocol.ErrInternal, err, "persist fleet")
	}
	m.logger.Printf("fleet committed id=%s from=%s to=%s quantity=%d eta=%d", rec.FleetID.Hex(), from.Coord, req.To.Coord(), req.Quantity, rec.EstimatedArrival)
	m.emit(protocol.EventFleetCommitted, now, rec, map[string]any{"quantity": rec.Quantity, "estimated_arrival": rec.EstimatedArrival})

	return m.submit(ctx, rec, now)
}

// submit sends an already persisted commitment. A failed send is checked against
// the ledger first: a timeout may hide an accepted send, and a resend of an
// accepted commitment is rejected as a duplicate.
func (m *Manager) submit(ctx context.Context, rec pendingdb.Fleet, now int64) (pendingdb.Fleet, error) {
	tx, sendErr := m.ledger.Send(ctx, rec.From, rec.Quantity, rec.ToHash)
	if sendErr != nil {
		onLedger, checkErr := m.onLedger(ctx, rec)
		if onLedger {
			m.logger.Printf("fleet send outcome lost, ledger has it id=%s err=%v", rec.FleetID.Hex(), sendErr)
			return m.markConfirmed(rec, now)
		}
		// Only a definite answer from the ledger makes a rejection final.
		rejected := ledger.IsRejected(sendErr) && checkErr == nil
		updated, err := m.store.UpdateFleet(rec.FleetID, func(f *pendingdb.Fleet) error {
			f.SubmitError = sendErr.Error()
			f.SubmitRejected = rejected
			return nil
		})
		if err != nil {
			m.logger.Printf("fleet store update failed id=%s err=%v", rec.FleetID.Hex(), err)
			return rec, protocol.Wrap(protocol.ErrInternal, err, "record submission failure of fleet %s", rec.FleetID.Hex())
		}
		m.logger.Printf("fleet submit failed id=%s rejected=%t err=%v", rec.FleetID.Hex(), rejected, sendErr)
		if rejected {
			return updated, protocol.Wrap(protocol.ErrLedgerRejected, sendErr, "send fleet %s", rec.FleetID.Hex())
		}
		return updated, protocol.Wrap(protocol.ErrPartialSubmission, sendErr, "fleet %s committed but not submitted", rec.FleetID.Hex()).WithRetry()
	}

	updated, err := m.store.UpdateFleet(rec.FleetID, func(f *pendingdb.Fleet) error {
		f.TxHash = tx
		f.SubmitError = ""
		f.SubmitRejected = false
		return nil
	})
	if err != nil {
		// The ledger holds the fleet while the store missed the handle; the record
		// is still there so the secret is safe and onLedger recovers it later.
		m.logger.Printf("fleet store update failed id=%s err=%v", rec.FleetID.Hex(), err)
		rec.TxHash = tx
		return rec, protocol.Wrap(protocol.ErrInternal, err, "record submission of fleet %s", rec.FleetID.Hex())
	}
	m.logger.Printf("fleet submitted id=%s tx=%s", rec.FleetID.Hex(), tx.Hex())
	m.emit(protocol.EventFleetSubmitted, now, updated, map[string]any{"tx_hash": tx.Hex()})
	return updated, nil
}

// onLedger reports whether the ledger holds rec's fleet for its sender.
func (m *Manager) onLedger(ctx context.Context, rec pendingdb.Fleet) (bool, error) {
	st, err := m.ledger.Fleet(ctx, rec.FleetID, rec.From)
	if err != nil {
		m.logger.Printf("fleet lookup failed id=%s err=%v", rec.FleetID.Hex(), err)
		return false, err
	}
	return st.Exists() && st.Owner == rec.Sender, nil
}

func (m *Manager) markConfirmed(rec pendingdb.Fleet, now int64) (pendingdb.Fleet, error) {
	updated, err := m.store.UpdateFleet(rec.FleetID, func(f *pendingdb.Fleet) error {
		f.Confirmed = true
		f.SubmitError = ""
		f.SubmitRejected = false
		return nil
	})
	if err != nil {
		return rec, protocol.Wrap(protocol.ErrInternal, err, "record submission of fleet %s", rec.FleetID.Hex())
	}
	m.emit(protocol.EventFleetSubmitted, now, updated, map[string]any{"confirmed": true})
	return updated, nil
}

// Retry resubmits a committed fleet that has no submission handle, reusing its
// persisted commitment. A fleet the ledger already holds is only marked
// submitted. Submitted fleets are returned unchanged.
func (m *Manager) Retry(ctx context.Context, id common.Hash) (pendingdb.Fleet, error) {
	rec, err := m.load(id)
	if err != nil {
		return pendingdb.Fleet{}, err
	}
	if rec.Submitted() || rec.Resolved {
		return rec, nil
	}
	now, err := m.ledger.Now(ctx)
	if err != nil {
		return rec, ledgerError("now", err)
	}
	if ok, _ := m.onLedger(ctx, rec); ok {
		return m.markConfirmed(rec, now)
	}
	return m.submit(ctx, rec, now)
}

func (m *Manager) load(id common.Hash) (pendingdb.Fleet, error) {
	rec, err := m.store.GetFleet(id)
	if errors.Is(err, pendingdb.ErrNotFound) {
		return pendingdb.Fleet{}, protocol.Errorf(protocol.ErrUnrecoverable, "no local record for fleet %s: its secret cannot be recovered", id.Hex())
	}
	if err != nil {
		return pendingdb.Fleet{}, protocol.Wrap(protocol.ErrInternal, err, "load fleet %s", id.Hex())
	}
	return rec, nil
}

type ResolveStatus string

const (
	StatusNotYet          ResolveStatus = "not_yet"
	StatusResolved        ResolveStatus = "resolved"
	StatusAlreadyResolved ResolveStatus = "already_resolved"
)

type ResolveResult struct {
	FleetID      common.Hash     `json:"fleet_id"`
	Status       ResolveStatus   `json:"status"`
	Now          int64           `json:"now"`
	ResolvableAt int64           `json:"resolvable_at"`
	TxHash       common.Hash     `json:"tx_hash,omitempty"`
	Fleet        pendingdb.Fleet `json:"fleet"`
}

// ResolvableAt is the first ledger time at which a reveal is accepted.
func (m *Manager) ResolvableAt(rec pendingdb.Fleet) int64 {
	return rec.EstimatedArrival + m.model.Config().ResolveWindow
}

// Reveal builds the exact tuple the ledger verifies against the commitment.
func Reveal(rec pendingdb.Fleet) ledger.FleetReveal {
	return ledger.FleetReveal{
		FleetID:           rec.FleetID,
		From:              rec.From,
		To:                rec.To,
		Distance:          rec.Distance,
		ArrivalTimeWanted: rec.ArrivalTimeWanted,
		Gift:              rec.Gift,
		Specific:          rec.Specific,
		Secret:            rec.Secret,
		FleetSender:       rec.Sender,
		Operator:          rec.Operator,
	}
}

func (m *Manager) Resolve(ctx context.Context, id common.Hash) (ResolveResult, error) {
	rec, err := m.load(id)
	if err != nil {
		return ResolveResult{}, err
	}
	res := ResolveResult{FleetID: id, ResolvableAt: m.ResolvableAt(rec), Fleet: rec}
	if rec.Resolved {
		res.Status = StatusAlreadyResolved
		res.TxHash = rec.ResolveTxHash
		return res, nil
	}
	now, err := m.ledger.Now(ctx)
	if err != nil {
		return res, ledgerError("now", err)
	}
	res.Now = now
	if !rec.Submitted() {
		ok, err := m.onLedger(ctx, rec)
		if err != nil {
			return res, ledgerError("getFleet", err)
		}
		if !ok {
			return res, protocol.Errorf(protocol.ErrPartialSubmission, "fleet %s was committed but never submitted", id.Hex()).WithRetry()
		}
		if rec, err = m.markConfirmed(rec, now); err != nil {
			return res, err
		}
		res.Fleet = rec
	}
	if now < res.ResolvableAt {
		res.Status = StatusNotYet
		return res, nil
	}

	tx, err := m.ledger.ResolveFleet(ctx, Reveal(rec))
	if err != nil {
		m.logger.Printf("fleet resolve failed id=%s err=%v", id.Hex(), err)
		return res, ledgerError("resolveFleet", err)
	}
	updated, err := m.store.UpdateFleet(id, func(f *pendingdb.Fleet) error {
		f.Resolved = true
		f.ResolvedAt = now
		f.ResolveTxHash = tx
		return nil
	})
	if err != nil {
		return res, protocol.Wrap(protocol.ErrInternal, err, "mark fleet %s resolved", id.Hex())
	}
	m.logger.Printf("fleet resolved id=%s tx=%s", id.Hex(), tx.Hex())
	m.emit(protocol.EventFleetResolved, now, updated, map[string]any{"tx_hash": tx.Hex()})
	res.Status = StatusResolved
	res.TxHash = tx
	res.Fleet = updated
	return res, nil
}

// Resolvable lists submitted, unresolved fleets whose window is open at now.
func (m *Manager) Resolvable(now int64) ([]pendingdb.Fleet, error) {
	window := m.model.Config().ResolveWindow
	all, err := m.store.ListFleets(pendingdb.FleetFilter{Unresolved: true})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "list fleets")
	}
	var out []pendingdb.Fleet
	for _, f := range all {
		if f.Submitted() && now >= f.EstimatedArrival+window {
			out = append(out, f)
		}
	}
	return out, nil
}

// Unsubmitted lists committed fleets the ledger never accepted. Rejected ones are
// left out unless includeRejected is set.
func (m *Manager) Unsubmitted(includeRejected bool) ([]pendingdb.Fleet, error) {
	all, err := m.store.ListFleets(pendingdb.FleetFilter{Unresolved: true, Unsubmitted: true})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "list fleets")
	}
	out := all[:0]
	for _, f := range all {
		if includeRejected || !f.SubmitRejected {
			out = append(out, f)
		}
	}
	return out, nil
}

// Pending lists unresolved fleets, optionally for one sender.
func (m *Manager) Pending(sender common.Address) ([]pendingdb.Fleet, error) {
	out, err := m.store.ListFleets(pendingdb.FleetFilter{Sender: sender, Unresolved: true})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "list fleets")
	}
	return out, nil
}

// Cleanup drops resolved fleets resolved before olderThan.
func (m *Manager) Cleanup(olderThan int64) (int, error) {
	n, err := m.store.DeleteResolvedFleetsBefore(olderThan)
	if err != nil {
		return 0, protocol.Wrap(protocol.ErrInternal, err, "cleanup fleets")
	}
	if n > 0 {
		m.logger.Printf("fleet cleanup removed=%d before=%d", n, olderThan)
		if m.notify != nil {
			m.notify(protocol.Event{Kind: protocol.EventFleetCleaned, At: olderThan, Data: map[string]any{"removed": n}})
		}
	}
	return n, nil
}
