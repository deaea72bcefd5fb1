package agent

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/lifecycle/exit"
	"conquest.eth/internal/lifecycle/fleet"
	"conquest.eth/internal/protocol"
)

type SweepError struct {
	Subject string `json:"subject"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SweepReport struct {
	RunID string `json:"run_id"`
	Now   int64  `json:"now"`

	Retried  []common.Hash `json:"retried,omitempty"`
	Resolved []common.Hash `json:"resolved,omitempty"`

	ExitsChecked     int           `json:"exits_checked"`
	ExitsCompleted   []location.ID `json:"exits_completed,omitempty"`
	ExitsInterrupted []location.ID `json:"exits_interrupted,omitempty"`
	ExitsResubmitted int           `json:"exits_resubmitted"`
	Withdrawn        []location.ID `json:"withdrawn,omitempty"`

	CleanedFleets int `json:"cleaned_fleets"`
	CleanedExits  int `json:"cleaned_exits"`

	Errors []SweepError `json:"errors,omitempty"`
}

func (r *SweepReport) fail(subject string, err error) {
	r.Errors = append(r.Errors, SweepError{Subject: subject, Code: protocol.CodeOf(err), Message: err.Error()})
}

// Sweep advances every pending record as far as the ledger allows: unsubmitted
// fleets are resubmitted, open resolve windows are used, open exits are reconciled
// and old closed records are dropped. Per-record failures are reported, not fatal;
// running it twice in a row changes nothing the second time.
func (e *Engine) Sweep(ctx context.Context) (rep SweepReport, err error) {
	defer func(start time.Time) { e.observe("sweep", start, err) }(time.Now())
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	s, err := e.current(ctx)
	if err != nil {
		return rep, err
	}
	rep.RunID = uuid.NewString()
	now, err := e.ledger.Now(ctx)
	if err != nil {
		return rep, readError("now", err)
	}
	rep.Now = now

	unsent, err := s.fleets.Unsubmitted(false)
	if err != nil {
		return rep, err
	}
	for _, f := range unsent {
		if _, err := s.fleets.Retry(ctx, f.FleetID); err != nil {
			rep.fail(f.FleetID.Hex(), err)
			continue
		}
		rep.Retried = append(rep.Retried, f.FleetID)
	}

	ready, err := s.fleets.Resolvable(now)
	if err != nil {
		return rep, err
	}
	for _, f := range ready {
		res, err := s.fleets.Resolve(ctx, f.FleetID)
		if err != nil {
			rep.fail(f.FleetID.Hex(), err)
			continue
		}
		if res.Status == fleet.StatusResolved {
			rep.Resolved = append(rep.Resolved, f.FleetID)
		}
	}

	account := e.Account()
	open, err := s.exits.Open(account)
	if err != nil {
		return rep, err
	}
	// Unsubmitted records are checked too: a submission whose outcome was lost
	// may have landed, and the check adopts it.
	for _, x := range open {
		before := exit.StatusOf(x)
		sr, err := s.exits.VerifyStatus(ctx, x.Planet)
		if err != nil {
			rep.fail(x.Planet.String(), err)
			continue
		}
		rep.ExitsChecked++
		if sr.Status == before {
			continue
		}
		switch sr.Status {
		case exit.StatusCompleted:
			rep.ExitsCompleted = append(rep.ExitsCompleted, x.Planet)
		case exit.StatusInterrupted:
			rep.ExitsInterrupted = append(rep.ExitsInterrupted, x.Planet)
		}
	}

	resub, err := s.exits.ResubmitUnsent(ctx)
	if err != nil {
		rep.fail("exits", err)
	} else {
		rep.ExitsResubmitted = len(resub.Started)
	}

	if e.autoWithdraw {
		wr, err := s.exits.Withdraw(ctx, nil)
		if err != nil {
			rep.fail("withdraw", err)
		} else {
			rep.Withdrawn = wr.Withdrawn
		}
	}

	if e.retention > 0 {
		cutoff := now - e.retention
		if rep.CleanedFleets, err = s.fleets.Cleanup(cutoff); err != nil {
			return rep, err
		}
		if rep.CleanedExits, err = s.exits.Cleanup(cutoff); err != nil {
			return rep, err
		}
	}

	if _, err := e.Stats(); err != nil {
		e.logger.Printf("sweep stats failed err=%v", err)
	}
	e.metrics.ObserveSweep(now)
	e.notify(protocol.Event{
		ID:      rep.RunID,
		Kind:    protocol.EventSweep,
		At:      now,
		Subject: rep.RunID,
		Data: map[string]any{
			"retried":           len(rep.Retried),
			"resolved":          len(rep.Resolved),
			"exits_checked":     rep.ExitsChecked,
			"exits_completed":   len(rep.ExitsCompleted),
			"exits_interrupted": len(rep.ExitsInterrupted),
			"withdrawn":         len(rep.Withdrawn),
			"errors":            len(rep.Errors),
		},
	})
	e.logger.Printf("sweep run=%s now=%d retried=%d resolved=%d exits_checked=%d errors=%d",
		rep.RunID, now, len(rep.Retried), len(rep.Resolved), rep.ExitsChecked, len(rep.Errors))
	return rep, nil
}

// Sweeper runs Engine.Sweep on a fixed interval until its context ends.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger
}

func NewSweeper(e *Engine, interval time.Duration, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Sweeper{engine: e, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick. It returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.engine.Sweep(ctx); err != nil {
			s.logger.Printf("sweep failed code=%s err=%v", protocol.CodeOf(err), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
