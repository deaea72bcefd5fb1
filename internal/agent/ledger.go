package agent

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/obs"
)

// timedLedger bounds every ledger call by the engine's timeout and counts results.
type timedLedger struct {
	inner   ledger.Client
	timeout time.Duration
	metrics *obs.Metrics
}

var _ ledger.Client = (*timedLedger)(nil)

func (l *timedLedger) call(ctx context.Context, method string, fn func(context.Context) error) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	err := fn(ctx)
	result := "ok"
	switch {
	case err == nil:
	case ledger.IsRejected(err):
		result = "rejected"
	default:
		result = "error"
	}
	l.metrics.ObserveLedger(method, result)
	return err
}

func (l *timedLedger) Account() common.Address { return l.inner.Account() }

func (l *timedLedger) Config(ctx context.Context) (cfg ledger.ContractConfig, err error) {
	err = l.call(ctx, "getConfig", func(ctx context.Context) error {
		cfg, err = l.inner.Config(ctx)
		return err
	})
	return cfg, err
}

func (l *timedLedger) PlanetStates(ctx context.Context, ids []location.ID) (out []ledger.PlanetState, err error) {
	err = l.call(ctx, "getPlanetStates", func(ctx context.Context) error {
		out, err = l.inner.PlanetStates(ctx, ids)
		return err
	})
	return out, err
}

func (l *timedLedger) Now(ctx context.Context) (now int64, err error) {
	err = l.call(ctx, "now", func(ctx context.Context) error {
		now, err = l.inner.Now(ctx)
		return err
	})
	return now, err
}

func (l *timedLedger) Fleet(ctx context.Context, id common.Hash, from location.ID) (st ledger.FleetState, err error) {
	err = l.call(ctx, "getFleet", func(ctx context.Context) error {
		st, err = l.inner.Fleet(ctx, id, from)
		return err
	})
	return st, err
}

func (l *timedLedger) Send(ctx context.Context, from location.ID, quantity uint32, toHash common.Hash) (tx common.Hash, err error) {
	err = l.call(ctx, "send", func(ctx context.Context) error {
		tx, err = l.inner.Send(ctx, from, quantity, toHash)
		return err
	})
	return tx, err
}

func (l *timedLedger) ResolveFleet(ctx context.Context, r ledger.FleetReveal) (tx common.Hash, err error) {
	err = l.call(ctx, "resolveFleet", func(ctx context.Context) error {
		tx, err = l.inner.ResolveFleet(ctx, r)
		return err
	})
	return tx, err
}

func (l *timedLedger) ExitMultipleFor(ctx context.Context, player common.Address, ids []location.ID) (tx common.Hash, err error) {
	err = l.call(ctx, "exitMultipleFor", func(ctx context.Context) error {
		tx, err = l.inner.ExitMultipleFor(ctx, player, ids)
		return err
	})
	return tx, err
}

func (l *timedLedger) FetchAndWithdrawFor(ctx context.Context, player common.Address, ids []location.ID) (tx common.Hash, err error) {
	err = l.call(ctx, "fetchAndWithdrawFor", func(ctx context.Context) error {
		tx, err = l.inner.FetchAndWithdrawFor(ctx, player, ids)
		return err
	})
	return tx, err
}
