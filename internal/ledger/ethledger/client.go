// Package ethledger implements ledger.Client against the game contract over
// JSON-RPC. Every write is simulated with eth_call first so a revert surfaces with
// its reason before anything is signed.
package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"conquest.eth/internal/game/location"
	"conquest.eth/internal/ledger"
)

// Backend is what the adapter needs from a node connection. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Config struct {
	Contract common.Address
	// Signer is built by the caller; key management is outside this package.
	Signer *bind.TransactOpts
	// RequestsPerSecond throttles RPC calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	backend  Backend
	abi      abi.ABI
	contract *bind.BoundContract
	address  common.Address
	signer   *bind.TransactOpts
	limiter  *rate.Limiter
}

var _ ledger.Client = (*Client)(nil)

func Dial(ctx context.Context, rpcURL string, cfg Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return New(ec, cfg)
}

func New(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("nil signer")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("empty contract address")
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	c := &Client{
		backend:  backend,
		abi:      parsed,
		contract: bind.NewBoundContract(cfg.Contract, parsed, backend, backend, backend),
		address:  cfg.Contract,
		signer:   cfg.Signer,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

func (c *Client) Account() common.Address { return c.signer.From }

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc throttle: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, out *[]any, method string, args ...any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	opts := &bind.CallOpts{Context: ctx, From: c.signer.From}
	if err := c.contract.Call(opts, out, method, args...); err != nil {
		return decodeRevert(method, err)
	}
	return nil
}

// transact simulates method and submits it when the simulation succeeds.
func (c *Client) transact(ctx context.Context, method string, args ...any) (common.Hash, error) {
	var ignored []any
	if err := c.call(ctx, &ignored, method, args...); err != nil {
		return common.Hash{}, err
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	opts := *c.signer
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return common.Hash{}, decodeRevert(method, err)
	}
	return tx.Hash(), nil
}

type configTuple struct {
	Genesis                                [32]byte
	GenesisTime                            *big.Int
	ResolveWindow                          *big.Int
	TimePerDistance                        *big.Int
	ExitDuration                           *big.Int
	AcquireNumSpaceships                   uint32
	ProductionSpeedUp                      uint32
	FrontrunningDelay                      *big.Int
	ProductionCapAsDuration                *big.Int
	UpkeepProductionDecreaseRatePer10000th *big.Int
	FleetSizeFactor6                       *big.Int
	GiftTaxPer10000                        *big.Int
}

func i64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

func (c *Client) Config(ctx context.Context) (ledger.ContractConfig, error) {
	var out []any
	if err := c.call(ctx, &out, "getConfig"); err != nil {
		return ledger.ContractConfig{}, err
	}
	if len(out) != 1 {
		return ledger.ContractConfig{}, fmt.Errorf("getConfig: unexpected %d outputs", len(out))
	}
	t := *abi.ConvertType(out[0], new(configTuple)).(*configTuple)
	cfg := ledger.ContractConfig{
		GenesisHash:                            common.Hash(t.Genesis),
		GenesisTime:                            i64(t.GenesisTime),
		ResolveWindow:                          i64(t.ResolveWindow),
		TimePerDistance:                        i64(t.TimePerDistance),
		ExitDuration:                           i64(t.ExitDuration),
		AcquireNumSpaceships:                   t.AcquireNumSpaceships,
		ProductionSpeedUp:                      t.ProductionSpeedUp,
		ProductionCapAsDuration:                i64(t.ProductionCapAsDuration),
		UpkeepProductionDecreaseRatePer10000th: i64(t.UpkeepProductionDecreaseRatePer10000th),
		FleetSizeFactor6:                       i64(t.FleetSizeFactor6),
		GiftTaxPer10000:                        i64(t.GiftTaxPer10000),
		FrontrunningDelay:                      i64(t.FrontrunningDelay),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("getConfig: %w", err)
	}
	return cfg, nil
}

type planetTuple struct {
	Owner              common.Address
	OwnershipStartTime *big.Int
	ExitStartTime      *big.Int
	NumSpaceships      uint32
	LastUpdated        *big.Int
	Active             bool
	Reward             *big.Int
}

func bigIDs(ids []location.ID) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = id.Big()
	}
	return out
}

func (c *Client) PlanetStates(ctx context.Context, ids []location.ID) ([]ledger.PlanetState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []any
	if err := c.call(ctx, &out, "getPlanetStates", bigIDs(ids)); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getPlanetStates: unexpected %d outputs", len(out))
	}
	tuples := *abi.ConvertType(out[0], new([]planetTuple)).(*[]planetTuple)
	if len(tuples) != len(ids) {
		return nil, fmt.Errorf("getPlanetStates: asked %d planets, got %d", len(ids), len(tuples))
	}
	states := make([]ledger.PlanetState, len(ids))
	for i, t := range tuples {
		states[i] = ledger.PlanetState{
			Location:           ids[i],
			Owner:              t.Owner,
			OwnershipStartTime: i64(t.OwnershipStartTime),
			ExitStartTime:      i64(t.ExitStartTime),
			NumSpaceships:      t.NumSpaceships,
			LastUpdated:        i64(t.LastUpdated),
			Active:             t.Active,
			Reward:             t.Reward,
		}
	}
	return states, nil
}

func (c *Client) Fleet(ctx context.Context, id common.Hash, from location.ID) (ledger.FleetState, error) {
	var out []any
	if err := c.call(ctx, &out, "getFleet", new(big.Int).SetBytes(id[:]), from.Big()); err != nil {
		return ledger.FleetState{}, err
	}
	return fleetStateOf(out)
}

func fleetStateOf(out []any) (ledger.FleetState, error) {
	if len(out) < 3 {
		return ledger.FleetState{}, fmt.Errorf("getFleet: unexpected %d outputs", len(out))
	}
	return ledger.FleetState{
		Owner:      *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		LaunchTime: i64(*abi.ConvertType(out[1], new(*big.Int)).(**big.Int)),
		Quantity:   *abi.ConvertType(out[2], new(uint32)).(*uint32),
	}, nil
}

func (c *Client) Now(ctx context.Context) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	return int64(h.Time), nil
}

func (c *Client) Send(ctx context.Context, from location.ID, quantity uint32, toHash common.Hash) (common.Hash, error) {
	return c.transact(ctx, "send", from.Big(), new(big.Int).SetUint64(uint64(quantity)), [32]byte(toHash))
}

// resolution mirrors the resolveFleet tuple; field names match the ABI components.
type resolution struct {
	From              *big.Int
	To                *big.Int
	Distance          *big.Int
	ArrivalTimeWanted *big.Int
	Gift              bool
	Specific          common.Address
	Secret            [32]byte
	FleetSender       common.Address
	Operator          common.Address
}

func resolutionOf(r ledger.FleetReveal) resolution {
	return resolution{
		From:              r.From.Big(),
		To:                r.To.Big(),
		Distance:          new(big.Int).SetUint64(r.Distance),
		ArrivalTimeWanted: big.NewInt(r.ArrivalTimeWanted),
		Gift:              r.Gift,
		Specific:          r.Specific,
		Secret:            r.Secret,
		FleetSender:       r.FleetSender,
		Operator:          r.Operator,
	}
}

func (c *Client) ResolveFleet(ctx context.Context, r ledger.FleetReveal) (common.Hash, error) {
	return c.transact(ctx, "resolveFleet", new(big.Int).SetBytes(r.FleetID[:]), resolutionOf(r))
}

func (c *Client) ExitMultipleFor(ctx context.Context, player common.Address, ids []location.ID) (common.Hash, error) {
	return c.transact(ctx, "exitMultipleFor", player, bigIDs(ids))
}

func (c *Client) FetchAndWithdrawFor(ctx context.Context, player common.Address, ids []location.ID) (common.Hash, error) {
	return c.transact(ctx, "fetchAndWithdrawFor", player, bigIDs(ids))
}

// decodeRevert turns a node error into a ledger.RejectedError when it carries a
// revert, and wraps it as a transport error otherwise.
func decodeRevert(method string, err error) error {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return ledger.Rejected(method, reason)
				}
			}
		}
		return ledger.Rejected(method, de.Error())
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return ledger.Rejected(method, err.Error())
	}
	return fmt.Errorf("%s: %w", method, err)
}
