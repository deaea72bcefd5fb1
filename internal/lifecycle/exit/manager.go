// Package exit tracks planet exits: active -> exiting -> completed | interrupted ->
// withdrawn. The ledger is the only authority; local records are corrected by every
// status check.
package exit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/game/space"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

type Store interface {
	PutExit(pendingdb.Exit) error
	GetExit(location.ID) (pendingdb.Exit, error)
	UpdateExit(location.ID, func(*pendingdb.Exit) error) (pendingdb.Exit, error)
	UpsertExit(pendingdb.Exit) error
	ListExits(pendingdb.ExitFilter) ([]pendingdb.Exit, error)
	DeleteClosedExitsBefore(int64) (int, error)
}

type Ledger interface {
	ledger.Identity
	ledger.Reader
	ledger.ExitWriter
}

type Config struct {
	Store  Store
	Ledger Ledger
	Model  *space.Model
	Logger *log.Logger
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
		return nil, fmt.Errorf("exit: store, ledger and model are required")
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

func (m *Manager) emit(kind string, at int64, e pendingdb.Exit, data map[string]any) {
	if m.notify == nil {
		return
	}
	m.notify(protocol.Event{Kind: kind, At: at, Subject: e.Planet.String(), Data: data})
}

func ledgerError(method string, err error) *protocol.Error {
	var rej *ledger.RejectedError
	if errors.As(err, &rej) {
		return protocol.Wrap(protocol.ErrLedgerRejected, err, "%s", method)
	}
	return protocol.Wrap(protocol.ErrLedgerUnavailable, err, "%s", method).WithRetry()
}

type Status string

const (
	StatusNotSubmitted Status = "not_submitted"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusInterrupted  Status = "interrupted"
	StatusWithdrawn    Status = "withdrawn"
)

func StatusOf(e pendingdb.Exit) Status {
	switch {
	case e.Withdrawn:
		return StatusWithdrawn
	case e.Interrupted:
		return StatusInterrupted
	case e.Completed:
		return StatusCompleted
	case !e.Submitted:
		return StatusNotSubmitted
	default:
		return StatusInProgress
	}
}

type Skipped struct {
	Planet location.ID `json:"planet"`
	Reason string      `json:"reason"`
}

type BeginResult struct {
	Started []pendingdb.Exit `json:"started"`
	// Adopted are earlier attempts the ledger turned out to have accepted.
	Adopted []pendingdb.Exit `json:"adopted,omitempty"`
	Skipped []Skipped        `json:"skipped,omitempty"`
	TxHash  common.Hash      `json:"tx_hash"`
}

func dedupe(ids []location.ID) []location.ID {
	seen := make(map[location.ID]struct{}, len(ids))
	out := make([]location.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// BeginExit starts exits on the given planets. Planets the caller does not own, or
// that are already exiting, are skipped rather than failing the batch.
func (m *Manager) BeginExit(ctx context.Context, ids []location.ID) (BeginResult, error) {
	var res BeginResult
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res, protocol.Errorf(protocol.ErrBadRequest, "no planets given")
	}
	states, err := m.ledger.PlanetStates(ctx, ids)
	if err != nil {
		return res, ledgerError("getPlanetStates", err)
	}
	if len(states) != len(ids) {
		return res, protocol.Errorf(protocol.ErrLedgerUnavailable, "getPlanetStates: asked %d planets, got %d", len(ids), len(states)).WithRetry()
	}
	now, err := m.ledger.Now(ctx)
	if err != nil {
		return res, ledgerError("now", err)
	}
	account := m.ledger.Account()
	duration := m.model.Config().ExitDuration

	var batch []location.ID
	for i, id := range ids {
		st := states[i]
		switch {
		case st.Owner != account:
			res.Skipped = append(res.Skipped, Skipped{Planet: id, Reason: "not owned by caller"})
			continue
		case st.Exiting():
			adopted, ok, err := m.adopt(id, st, now)
			if err != nil {
				return res, err
			}
			if ok {
				res.Adopted = append(res.Adopted, adopted)
				continue
			}
			res.Skipped = append(res.Skipped, Skipped{Planet: id, Reason: "already exiting"})
			continue
		}
		stats, ok := m.model.StatsOf(id)
		if !ok {
			res.Skipped = append(res.Skipped, Skipped{Planet: id, Reason: "no planet at location"})
			continue
		}
		rec := pendingdb.Exit{
			Planet:            id,
			Player:            account,
			Owner:             st.Owner,
			ExitStartTime:     now,
			ExitDuration:      duration,
			ExitCompleteTime:  now + duration,
			SpaceshipsAtStart: m.model.SpaceshipsAt(st, stats, now),
			LastCheckedAt:     now,
		}
		err := m.store.PutExit(rec)
		if errors.Is(err, pendingdb.ErrExists) {
			// The ledger says the planet is not exiting, so the open local record is a
			// stale or never-submitted attempt.
			err = m.store.UpsertExit(rec)
		}
		if err != nil {
			return res, protocol.Wrap(protocol.ErrInternal, err, "persist exit %s", id)
		}
		res.Started = append(res.Started, rec)
		batch = append(batch, id)
	}
	if len(batch) == 0 {
		return res, nil
	}

	tx, sendErr := m.ledger.ExitMultipleFor(ctx, account, batch)
	var landed []ledger.PlanetState
	if sendErr != nil {
		// A timed out submission may still have landed; the ledger decides.
		landed = m.landed(ctx, account, batch)
		if landed == nil {
			m.logger.Printf("exit submit failed planets=%d err=%v", len(batch), sendErr)
			return res, ledgerError("exitMultipleFor", sendErr)
		}
		m.logger.Printf("exit submit outcome lost, ledger has it planets=%d err=%v", len(batch), sendErr)
	}
	res.TxHash = tx
	for i, id := range batch {
		updated, err := m.store.UpdateExit(id, func(e *pendingdb.Exit) error {
			e.TxHash = tx
			e.Submitted = true
			if landed != nil {
				reconcile(e, landed[i], now)
			}
			return nil
		})
		if err != nil {
			return res, protocol.Wrap(protocol.ErrInternal, err, "record exit submission %s", id)
		}
		res.Started[i] = updated
		m.emit(protocol.EventExitBegun, now, updated, map[string]any{"exit_complete_time": updated.ExitCompleteTime})
	}
	m.logger.Printf("exit begun planets=%d skipped=%d tx=%s", len(batch), len(res.Skipped), tx.Hex())
	return res, nil
}

// adopt takes over an exit the ledger already runs for the caller when the local
// record of it was never marked submitted.
func (m *Manager) adopt(id location.ID, st ledger.PlanetState, now int64) (pendingdb.Exit, bool, error) {
	rec, err := m.store.GetExit(id)
	if errors.Is(err, pendingdb.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, protocol.Wrap(protocol.ErrInternal, err, "load exit %s", id)
	}
	if rec.Submitted || !rec.Open() || rec.Player != st.Owner {
		return rec, false, nil
	}
	updated, err := m.store.UpdateExit(id, func(e *pendingdb.Exit) error {
		reconcile(e, st, now)
		return nil
	})
	if err != nil {
		return rec, false, protocol.Wrap(protocol.ErrInternal, err, "adopt exit %s", id)
	}
	m.logger.Printf("exit adopted planet=%s start=%d", id, updated.ExitStartTime)
	m.emit(protocol.EventExitBegun, now, updated, map[string]any{"exit_complete_time": updated.ExitCompleteTime, "adopted": true})
	return updated, true, nil
}

// landed returns the planet states when every planet in ids is exiting for
// player, and nil otherwise or when the ledger cannot be read.
func (m *Manager) landed(ctx context.Context, player common.Address, ids []location.ID) []ledger.PlanetState {
	states, err := m.ledger.PlanetStates(ctx, ids)
	if err != nil || len(states) != len(ids) {
		return nil
	}
	for _, st := range states {
		if st.Owner != player || !st.Exiting() {
			return nil
		}
	}
	return states
}

type StatusResult struct {
	Planet location.ID    `json:"planet"`
	Status Status         `json:"status"`
	Now    int64          `json:"now"`
	Exit   pendingdb.Exit `json:"exit"`
}

// VerifyStatus re-reads the planet and corrects the local record. An owner change
// during the exit window marks the exit interrupted.
func (m *Manager) VerifyStatus(ctx context.Context, planet location.ID) (StatusResult, error) {
	rec, err := m.store.GetExit(planet)
	if errors.Is(err, pendingdb.ErrNotFound) {
		return StatusResult{}, protocol.Errorf(protocol.ErrNotFound, "no exit recorded for planet %s", planet)
	}
	if err != nil {
		return StatusResult{}, protocol.Wrap(protocol.ErrInternal, err, "load exit %s", planet)
	}
	if rec.Withdrawn || rec.Interrupted {
		return StatusResult{Planet: planet, Status: StatusOf(rec), Exit: rec}, nil
	}

	st, err := ledger.FetchPlanet(ctx, m.ledger, planet)
	if err != nil {
		return StatusResult{}, ledgerError("getPlanetStates", err)
	}
	now, err := m.ledger.Now(ctx)
	if err != nil {
		return StatusResult{}, ledgerError("now", err)
	}

	before := StatusOf(rec)
	updated, err := m.store.UpdateExit(planet, func(e *pendingdb.Exit) error {
		reconcile(e, st, now)
		return nil
	})
	if err != nil {
		return StatusResult{}, protocol.Wrap(protocol.ErrInternal, err, "update exit %s", planet)
	}
	after := StatusOf(updated)
	if after != before {
		m.logger.Printf("exit status planet=%s %s -> %s owner=%s", planet, before, after, updated.Owner.Hex())
		switch after {
		case StatusCompleted:
			m.emit(protocol.EventExitCompleted, now, updated, nil)
		case StatusInterrupted:
			m.emit(protocol.EventExitInterrupted, now, updated, map[string]any{"new_owner": updated.Owner.Hex()})
		}
	}
	return StatusResult{Planet: planet, Status: after, Now: now, Exit: updated}, nil
}

// reconcile applies the ledger's view of a planet to an open exit record.
func reconcile(e *pendingdb.Exit, st ledger.PlanetState, now int64) {
	e.LastCheckedAt = now
	switch {
	case st.Owner != e.Player:
		if st.Owner == (common.Address{}) && e.Submitted && now >= e.ExitCompleteTime {
			// Already withdrawn on the ledger by another path.
			e.Completed = true
			return
		}
		e.Owner = st.Owner
		e.Interrupted = true
	case st.Exiting():
		e.Owner = st.Owner
		if st.ExitStartTime != e.ExitStartTime {
			e.ExitStartTime = st.ExitStartTime
			e.ExitCompleteTime = st.ExitStartTime + e.ExitDuration
		}
		e.Submitted = true
		if now >= e.ExitCompleteTime {
			e.Completed = true
		}
	case e.Submitted:
		// Still owned by the player but no longer exiting: the exit was cancelled by
		// a capture and recapture inside the window.
		e.Owner = st.Owner
		e.Interrupted = true
	}
}

type WithdrawResult struct {
	Withdrawn []location.ID `json:"withdrawn"`
	Already   []location.ID `json:"already_withdrawn,omitempty"`
	TxHash    common.Hash   `json:"tx_hash"`
}

// Withdraw collects the stake of completed exits. With no ids it withdraws every
// locally known completed exit. Explicit ids without a local record are still
// submitted; the ledger decides eligibility.
func (m *Manager) Withdraw(ctx context.Context, ids []location.ID) (WithdrawResult, error) {
	var res WithdrawResult
	account := m.ledger.Account()

	var batch []location.ID
	if len(ids) == 0 {
		open, err := m.store.ListExits(pendingdb.ExitFilter{Player: account, OpenOnly: true})
		if err != nil {
			return res, protocol.Wrap(protocol.ErrInternal, err, "list exits")
		}
		for _, e := range open {
			if !e.Completed {
				sr, err := m.VerifyStatus(ctx, e.Planet)
				if err != nil {
					return res, err
				}
				if sr.Status != StatusCompleted {
					continue
				}
			}
			batch = append(batch, e.Planet)
		}
	} else {
		for _, id := range dedupe(ids) {
			rec, err := m.store.GetExit(id)
			if errors.Is(err, pendingdb.ErrNotFound) {
				batch = append(batch, id)
				continue
			}
			if err != nil {
				return res, protocol.Wrap(protocol.ErrInternal, err, "load exit %s", id)
			}
			status := StatusOf(rec)
			if status == StatusInProgress || status == StatusNotSubmitted {
				sr, err := m.VerifyStatus(ctx, id)
				if err != nil {
					return res, err
				}
				status = sr.Status
			}
			switch status {
			case StatusWithdrawn:
				res.Already = append(res.Already, id)
			case StatusInterrupted:
				return res, protocol.Errorf(protocol.ErrConflict, "exit of planet %s was interrupted by a capture; nothing to withdraw", id)
			case StatusCompleted:
				batch = append(batch, id)
			default:
				return res, protocol.Errorf(protocol.ErrNotReady, "exit of planet %s completes at %d", id, rec.ExitCompleteTime)
			}
		}
	}
	if len(batch) == 0 {
		return res, nil
	}

	tx, err := m.ledger.FetchAndWithdrawFor(ctx, account, batch)
	if err != nil {
		m.logger.Printf("withdraw failed planets=%d err=%v", len(batch), err)
		return res, ledgerError("fetchAndWithdrawFor", err)
	}
	now, err := m.ledger.Now(ctx)
	if err != nil {
		return res, ledgerError("now", err)
	}
	res.TxHash = tx
	for _, id := range batch {
		updated, err := m.store.UpdateExit(id, func(e *pendingdb.Exit) error {
			e.Completed = true
			e.Withdrawn = true
			e.WithdrawTxHash = tx
			e.LastCheckedAt = now
			return nil
		})
		if errors.Is(err, pendingdb.ErrNotFound) {
			res.Withdrawn = append(res.Withdrawn, id)
			continue
		}
		if err != nil {
			return res, protocol.Wrap(protocol.ErrInternal, err, "mark exit %s withdrawn", id)
		}
		res.Withdrawn = append(res.Withdrawn, id)
		m.emit(protocol.EventExitWithdrawn, now, updated, map[string]any{"tx_hash": tx.Hex()})
	}
	m.logger.Printf("withdrawn planets=%d tx=%s", len(res.Withdrawn), tx.Hex())
	return res, nil
}

// Open lists exits the sweep still has to check.
func (m *Manager) Open(player common.Address) ([]pendingdb.Exit, error) {
	out, err := m.store.ListExits(pendingdb.ExitFilter{Player: player, OpenOnly: true})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "list exits")
	}
	return out, nil
}

// Pending lists every exit not yet withdrawn, interrupted ones included.
func (m *Manager) Pending(player common.Address) ([]pendingdb.Exit, error) {
	all, err := m.store.ListExits(pendingdb.ExitFilter{Player: player})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "list exits")
	}
	out := all[:0]
	for _, e := range all {
		if !e.Withdrawn {
			out = append(out, e)
		}
	}
	return out, nil
}

// ResubmitUnsent resubmits persisted exits that never reached the ledger.
func (m *Manager) ResubmitUnsent(ctx context.Context) (BeginResult, error) {
	open, err := m.Open(m.ledger.Account())
	if err != nil {
		return BeginResult{}, err
	}
	var ids []location.ID
	for _, e := range open {
		if !e.Submitted {
			ids = append(ids, e.Planet)
		}
	}
	if len(ids) == 0 {
		return BeginResult{}, nil
	}
	return m.BeginExit(ctx, ids)
}

func (m *Manager) Cleanup(olderThan int64) (int, error) {
	n, err := m.store.DeleteClosedExitsBefore(olderThan)
	if err != nil {
		return 0, protocol.Wrap(protocol.ErrInternal, err, "cleanup exits")
	}
	if n > 0 {
		m.logger.Printf("exit cleanup removed=%d before=%d", n, olderThan)
	}
	return n, nil
}
