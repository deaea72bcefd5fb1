package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/app"
	"conquest.eth/internal/config"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/persistence/backup"
	"conquest.eth/internal/persistence/journal"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands = map[string]command{
	"send":        {"send -from X,Y -to X,Y -quantity N [-gift] [-specific 0x..] [-arrival T]", sendCmd},
	"resolve":     {"resolve FLEET_ID", resolveCmd},
	"pending":     {"pending", pendingCmd},
	"exit":        {"exit PLANET...", exitCmd},
	"exit-status": {"exit-status PLANET", exitStatusCmd},
	"withdraw":    {"withdraw [PLANET...]", withdrawCmd},
	"exits":       {"exits", exitsCmd},
	"simulate":    {"simulate -from X,Y -to X,Y -quantity N [-travel-time S]", simulateCmd},
	"sweep":       {"sweep", sweepCmd},
	"planet":      {"planet PLANET", planetCmd},
	"spiral":      {"spiral [-max-steps N] [-limit N]", spiralCmd},
	"stats":       {"stats", statsCmd},
	"export":      {"export [-out PATH]", exportCmd},
	"import":      {"import PATH", importCmd},
	"journal":     {"journal [-kind KIND] [-subject S]", journalCmd},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		if code := protocol.CodeOf(err); code != protocol.ErrInternal || protocol.IsRetryable(err) {
			fmt.Fprintf(os.Stderr, "code=%s retryable=%t\n", code, protocol.IsRetryable(err))
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conquestctl COMMAND [-config conquest.yaml] ...")
	for _, name := range []string{"send", "resolve", "pending", "exit", "exit-status", "withdraw", "exits", "simulate", "sweep", "planet", "spiral", "stats", "export", "import", "journal"} {
		fmt.Fprintln(os.Stderr, "  "+commands[name].usage)
	}
}

func newFlags(name string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to conquest.yaml (optional)")
	verbose := fs.Bool("v", false, "log engine activity to stderr")
	return fs, cfgPath, verbose
}

// withEngine opens the full app, ledger included, for the duration of fn.
func withEngine(cfgPath string, verbose bool, fn func(ctx context.Context, e *agent.Engine) (any, error)) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	var logger *log.Logger
	if verbose {
		logger = log.New(os.Stderr, "[conquestctl] ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	a, err := app.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	out, err := fn(ctx, a.Engine)
	if out != nil {
		printJSON(out)
	}
	return err
}

// withStore opens only the pending store, for commands that do not touch the ledger.
func withStore(cfgPath string, fn func(cfg config.Config, s *pendingdb.Store) (any, error)) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	s, err := pendingdb.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	out, err := fn(cfg, s)
	if out != nil {
		printJSON(out)
	}
	return err
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseLocation(s string) (location.ID, error) {
	var id location.ID
	if err := id.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return id, protocol.Wrap(protocol.ErrBadRequest, err, "location %q", s)
	}
	return id, nil
}

func parseLocations(args []string) ([]location.ID, error) {
	out := make([]location.ID, 0, len(args))
	for _, a := range args {
		id, err := parseLocation(a)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

type fleetFlags struct {
	from, to, specific string
	quantity           uint
	gift               bool
	arrival            int64
}

func (f *fleetFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.from, "from", "", "origin planet (x,y or id)")
	fs.StringVar(&f.to, "to", "", "destination planet (x,y or id)")
	fs.UintVar(&f.quantity, "quantity", 0, "spaceships to send")
	fs.BoolVar(&f.gift, "gift", false, "gift the fleet to the destination owner")
	fs.StringVar(&f.specific, "specific", "", "only land if the destination is owned by this address")
	fs.Int64Var(&f.arrival, "arrival", 0, "wanted arrival time (unix seconds)")
}

func (f *fleetFlags) resolve() (from, to location.ID, specific common.Address, err error) {
	if from, err = parseLocation(f.from); err != nil {
		return
	}
	if to, err = parseLocation(f.to); err != nil {
		return
	}
	if f.quantity == 0 || f.quantity > 1<<32-1 {
		err = protocol.Errorf(protocol.ErrBadRequest, "-quantity must be in [1, 2^32)")
		return
	}
	if f.specific != "" {
		if !common.IsHexAddress(f.specific) {
			err = protocol.Errorf(protocol.ErrBadRequest, "-specific %q is not an address", f.specific)
			return
		}
		specific = common.HexToAddress(f.specific)
	}
	return
}

func sendCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("send")
	var ff fleetFlags
	ff.register(fs)
	_ = fs.Parse(args)
	from, to, specific, err := ff.resolve()
	if err != nil {
		return err
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Send(ctx, agent.SendArgs{
			From:              from,
			To:                to,
			Quantity:          uint32(ff.quantity),
			Gift:              ff.gift,
			Specific:          specific,
			ArrivalTimeWanted: ff.arrival,
		})
	})
}

func resolveCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("resolve")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || len(common.FromHex(fs.Arg(0))) != common.HashLength {
		return protocol.Errorf(protocol.ErrBadRequest, "expected one 32-byte fleet id")
	}
	id := common.HexToHash(fs.Arg(0))
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Resolve(ctx, id)
	})
}

func pendingCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("pending")
	_ = fs.Parse(args)
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.GetPendingFleets(ctx)
	})
}

func exitCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("exit")
	_ = fs.Parse(args)
	ids, err := parseLocations(fs.Args())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return protocol.Errorf(protocol.ErrBadRequest, "no planets given")
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.BeginExit(ctx, ids)
	})
}

func exitStatusCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("exit-status")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return protocol.Errorf(protocol.ErrBadRequest, "expected one planet")
	}
	id, err := parseLocation(fs.Arg(0))
	if err != nil {
		return err
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.VerifyExitStatus(ctx, id)
	})
}

func withdrawCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("withdraw")
	_ = fs.Parse(args)
	ids, err := parseLocations(fs.Args())
	if err != nil {
		return err
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Withdraw(ctx, ids)
	})
}

func exitsCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("exits")
	_ = fs.Parse(args)
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.GetPendingExits(ctx)
	})
}

func simulateCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("simulate")
	var ff fleetFlags
	ff.register(fs)
	travel := fs.Int64("travel-time", 0, "override the computed travel time (seconds)")
	_ = fs.Parse(args)
	from, to, specific, err := ff.resolve()
	if err != nil {
		return err
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Simulate(ctx, agent.SimulateArgs{
			From:              from,
			To:                to,
			Quantity:          uint32(ff.quantity),
			Gift:              ff.gift,
			Specific:          specific,
			ArrivalTimeWanted: ff.arrival,
			TravelTime:        *travel,
		})
	})
}

func sweepCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("sweep")
	_ = fs.Parse(args)
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Sweep(ctx)
	})
}

func planetCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("planet")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return protocol.Errorf(protocol.ErrBadRequest, "expected one planet")
	}
	id, err := parseLocation(fs.Arg(0))
	if err != nil {
		return err
	}
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Planet(ctx, id)
	})
}

func spiralCmd(args []string) error {
	fs, cfgPath, verbose := newFlags("spiral")
	maxSteps := fs.Int("max-steps", 1000, "spiral positions to visit")
	limit := fs.Int("limit", 50, "max planets to return")
	_ = fs.Parse(args)
	return withEngine(*cfgPath, *verbose, func(ctx context.Context, e *agent.Engine) (any, error) {
		return e.Spiral(ctx, nil, *maxSteps, *limit)
	})
}

func statsCmd(args []string) error {
	fs, cfgPath, _ := newFlags("stats")
	_ = fs.Parse(args)
	return withStore(*cfgPath, func(_ config.Config, s *pendingdb.Store) (any, error) {
		return s.Stats()
	})
}

func exportCmd(args []string) error {
	fs, cfgPath, _ := newFlags("export")
	out := fs.String("out", "", "backup path (default: backup_dir/pending-<unix>.bak.zst)")
	_ = fs.Parse(args)
	return withStore(*cfgPath, func(cfg config.Config, s *pendingdb.Store) (any, error) {
		now := time.Now().Unix()
		path := *out
		if path == "" {
			if err := os.MkdirAll(cfg.Store.BackupDir, 0o755); err != nil {
				return nil, err
			}
			path = filepath.Join(cfg.Store.BackupDir, fmt.Sprintf("pending-%d.bak.zst", now))
		}
		h, err := backup.Export(s, path, now)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "header": h}, nil
	})
}

func importCmd(args []string) error {
	fs, cfgPath, _ := newFlags("import")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return protocol.Errorf(protocol.ErrBadRequest, "expected one backup path")
	}
	return withStore(*cfgPath, func(_ config.Config, s *pendingdb.Store) (any, error) {
		return backup.Import(s, fs.Arg(0))
	})
}

func journalCmd(args []string) error {
	fs, cfgPath, _ := newFlags("journal")
	kind := fs.String("kind", "", "only events of this kind")
	subject := fs.String("subject", "", "only events about this fleet or planet")
	_ = fs.Parse(args)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	return journal.Replay(cfg.Store.JournalDir, func(ev protocol.Event) error {
		if *kind != "" && ev.Kind != *kind {
			return nil
		}
		if *subject != "" && !strings.EqualFold(ev.Subject, *subject) {
			return nil
		}
		return enc.Encode(ev)
	})
}
