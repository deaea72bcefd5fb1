package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/protocol"
)

// Locations are either "x,y" coordinates or a decimal / 0x-hex packed id.
const locationSchema = `{"type": "string", "minLength": 1}`

const (
	addressSchema = `{"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}`
	hashSchema    = `{"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}`
)

type tool struct {
	name        string
	description string
	schema      string
	call        func(ctx context.Context, e Engine, args json.RawMessage) (any, error)

	compiled *jsonschema.Schema
}

func fleetArgsSchema(extra string) string {
	return `{
	"type": "object",
	"properties": {
		"from": ` + locationSchema + `,
		"to": ` + locationSchema + `,
		"quantity": {"type": "integer", "minimum": 1, "maximum": 4294967295},
		"gift": {"type": "boolean"},
		"specific": ` + addressSchema + `,
		"arrival_time_wanted": {"type": "integer", "minimum": 0}` + extra + `
	},
	"required": ["from", "to", "quantity"],
	"additionalProperties": false
}`
}

const noArgsSchema = `{"type": "object", "properties": {}, "additionalProperties": false}`

var planetArgSchema = `{
	"type": "object",
	"properties": {"planet": ` + locationSchema + `},
	"required": ["planet"],
	"additionalProperties": false
}`

func planetsArgSchema(required bool) string {
	req := ""
	if required {
		req = `"required": ["planets"],`
	}
	return `{
	"type": "object",
	"properties": {"planets": {"type": "array", "items": ` + locationSchema + `, "maxItems": 256}},
	` + req + `
	"additionalProperties": false
}`
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return protocol.Wrap(protocol.ErrBadRequest, err, "bad arguments")
	}
	return nil
}

type planetArgs struct {
	Planet location.ID `json:"planet"`
}

type planetsArgs struct {
	Planets []location.ID `json:"planets"`
}

func tools() []*tool {
	return []*tool{
		{
			name:        "conquest.send",
			description: "Commit a fleet from an owned planet. The destination stays secret until resolve. Returns the persisted fleet record.",
			schema:      fleetArgsSchema(""),
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a agent.SendArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				rec, err := e.Send(ctx, a)
				if err != nil && rec.FleetID != (common.Hash{}) {
					return nil, withData(err, map[string]any{"fleet_id": rec.FleetID.Hex()})
				}
				return rec, err
			},
		},
		{
			name:        "conquest.resolve",
			description: "Reveal a fleet once its resolve window is open. Returns not_yet with resolvable_at before that.",
			schema: `{
	"type": "object",
	"properties": {"fleet_id": ` + hashSchema + `},
	"required": ["fleet_id"],
	"additionalProperties": false
}`,
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a struct {
					FleetID common.Hash `json:"fleet_id"`
				}
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.Resolve(ctx, a.FleetID)
			},
		},
		{
			name:        "conquest.get_pending_fleets",
			description: "List unresolved fleets with the time each becomes resolvable.",
			schema:      noArgsSchema,
			call: func(ctx context.Context, e Engine, _ json.RawMessage) (any, error) {
				return e.GetPendingFleets(ctx)
			},
		},
		{
			name:        "conquest.begin_exit",
			description: "Start exiting owned planets. Planets not owned or already exiting are skipped.",
			schema:      planetsArgSchema(true),
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a planetsArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.BeginExit(ctx, a.Planets)
			},
		},
		{
			name:        "conquest.verify_exit_status",
			description: "Reconcile one exit with the ledger: in_progress, completed, interrupted or withdrawn.",
			schema:      planetArgSchema,
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a planetArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.VerifyExitStatus(ctx, a.Planet)
			},
		},
		{
			name:        "conquest.withdraw",
			description: "Withdraw the stake of completed exits. Without planets every completed exit is withdrawn.",
			schema:      planetsArgSchema(false),
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a planetsArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.Withdraw(ctx, a.Planets)
			},
		},
		{
			name:        "conquest.get_pending_exits",
			description: "List exits not yet withdrawn.",
			schema:      noArgsSchema,
			call: func(ctx context.Context, e Engine, _ json.RawMessage) (any, error) {
				return e.GetPendingExits(ctx)
			},
		},
		{
			name:        "conquest.simulate",
			description: "Predict the bounded outcome of a fleet without sending it.",
			schema:      fleetArgsSchema(`,"travel_time": {"type": "integer", "minimum": 0}`),
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a agent.SimulateArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.Simulate(ctx, a)
			},
		},
		{
			name:        "conquest.sweep",
			description: "Run one reconciliation pass: retry unsubmitted fleets, resolve ready ones, check exits.",
			schema:      noArgsSchema,
			call: func(ctx context.Context, e Engine, _ json.RawMessage) (any, error) {
				return e.Sweep(ctx)
			},
		},
		{
			name:        "conquest.planet",
			description: "Static statistics and live ledger state of a planet.",
			schema:      planetArgSchema,
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				var a planetArgs
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.Planet(ctx, a.Planet)
			},
		},
		{
			name:        "conquest.spiral",
			description: "Discover planets outward from the origin. Pass the returned next cursor to continue.",
			schema: `{
	"type": "object",
	"properties": {
		"cursor": {
			"type": "object",
			"properties": {
				"x": {"type": "integer"}, "y": {"type": "integer"},
				"dx": {"type": "integer"}, "dy": {"type": "integer"},
				"index": {"type": "integer", "minimum": 0}
			},
			"required": ["x", "y", "dx", "dy"]
		},
		"max_steps": {"type": "integer", "minimum": 1, "maximum": 100000},
		"limit": {"type": "integer", "minimum": 1, "maximum": 500}
	},
	"additionalProperties": false
}`,
			call: func(ctx context.Context, e Engine, args json.RawMessage) (any, error) {
				a := struct {
					Cursor   *location.SpiralState `json:"cursor"`
					MaxSteps int                   `json:"max_steps"`
					Limit    int                   `json:"limit"`
				}{MaxSteps: 1000, Limit: 50}
				if err := decode(args, &a); err != nil {
					return nil, err
				}
				return e.Spiral(ctx, a.Cursor, a.MaxSteps, a.Limit)
			},
		},
	}
}

func compileTools() (map[string]*tool, []*tool, error) {
	list := tools()
	byName := make(map[string]*tool, len(list))
	for _, t := range list {
		c := jsonschema.NewCompiler()
		url := t.name + ".json"
		if err := c.AddResource(url, bytes.NewReader([]byte(t.schema))); err != nil {
			return nil, nil, fmt.Errorf("tool %s schema: %w", t.name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %s schema: %w", t.name, err)
		}
		t.compiled = s
		byName[t.name] = t
	}
	return byName, list, nil
}

func (t *tool) validate(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return protocol.Wrap(protocol.ErrBadRequest, err, "arguments are not JSON")
	}
	if err := t.compiled.Validate(v); err != nil {
		return protocol.Wrap(protocol.ErrBadRequest, err, "arguments do not match %s schema", t.name)
	}
	return nil
}

func (t *tool) descriptor() map[string]any {
	var schema any
	_ = json.Unmarshal([]byte(t.schema), &schema)
	return map[string]any{
		"name":        t.name,
		"description": t.description,
		"inputSchema": schema,
	}
}

// dataError carries extra fields for the JSON-RPC error data.
type dataError struct {
	error
	data map[string]any
}

func (e *dataError) Unwrap() error { return e.error }

func withData(err error, data map[string]any) error {
	return &dataError{error: err, data: data}
}
