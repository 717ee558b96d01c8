// Package puzzle implements the realm runtime: the typed piece
// catalogue, the transformer table, propagation and consequence rules,
// and the budget-bounded fixpoint evaluator.
package puzzle

import (
	"fmt"
	"strings"
	"time"

	"github.com/spadina/server/internal/wire"
)

// Event is one output emitted by a piece during a state transition.
type Event struct {
	Name  string
	Value wire.Value
}

// Move is a player relocation requested by a piece (Proximity Send).
type Move struct {
	Player wire.PlayerID
	Link   wire.Link
}

// Context carries per-stimulus environment into piece transitions.
// Pieces request future ticks and player moves through it; both are
// collected by the evaluator and surfaced in the fixpoint result.
type Context struct {
	Now       time.Time
	RealmSeed int64
	Piece     uint32

	schedules []time.Duration
	moves     []Move
}

// Schedule asks the realm's timer wheel to tick this piece after d.
func (c *Context) Schedule(d time.Duration) {
	c.schedules = append(c.schedules, d)
}

// Eject asks the realm to move players along a link once the fixpoint
// commits.
func (c *Context) Eject(players []wire.PlayerID, link wire.Link) {
	for _, p := range players {
		c.moves = append(c.moves, Move{Player: p, Link: link})
	}
}

// Piece is one typed instance inside a realm. Transitions must be
// deterministic functions of (state, command, Context.Now); all
// command payloads reaching Accept have already been type-checked
// against CommandType.
type Piece interface {
	// CommandType returns the payload type of a command, or false for
	// commands the piece does not accept. Signatures may depend on
	// settings (Sink), so they are queried per instance at validation.
	CommandType(cmd string) (wire.ValueKind, bool)
	// EventType returns the payload type of an emitted event.
	EventType(event string) (wire.ValueKind, bool)
	// Accept applies a command and returns the emitted events.
	Accept(cmd string, v wire.Value, ctx *Context) []Event
	// Tick fires a previously scheduled timer.
	Tick(ctx *Context) []Event
	// Prime is called once after construction or restore, with the
	// current time, so time-driven pieces can schedule their first tick.
	Prime(ctx *Context) []Event
	// Snapshot and Restore round-trip the kind-private state.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Settings is the immutable per-piece init data from the template.
// MessagePack decodes it as a string-keyed map of scalars.
type Settings map[string]any

// Int extracts an integer setting, tolerating the integer widths
// msgpack decoding produces.
func (s Settings) Int(name string, def int32) (int32, error) {
	v, ok := s[name]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int32(n), nil
	case int8:
		return int32(n), nil
	case int16:
		return int32(n), nil
	case int32:
		return n, nil
	case int64:
		return int32(n), nil
	case uint8:
		return int32(n), nil
	case uint16:
		return int32(n), nil
	case uint32:
		return int32(n), nil
	case uint64:
		return int32(n), nil
	default:
		return 0, fmt.Errorf("setting %s: want int, got %T", name, v)
	}
}

// RequireInt extracts a mandatory integer setting.
func (s Settings) RequireInt(name string) (int32, error) {
	if _, ok := s[name]; !ok {
		return 0, fmt.Errorf("setting %s: missing", name)
	}
	return s.Int(name, 0)
}

// String extracts a string setting.
func (s Settings) String(name, def string) (string, error) {
	v, ok := s[name]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s: want string, got %T", name, v)
	}
	return str, nil
}

// IntList extracts a list-of-int setting.
func (s Settings) IntList(name string) ([]int32, error) {
	v, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("setting %s: missing", name)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("setting %s: want list, got %T", name, v)
	}
	out := make([]int32, len(raw))
	for i, e := range raw {
		tmp := Settings{"e": e}
		n, err := tmp.Int("e", 0)
		if err != nil {
			return nil, fmt.Errorf("setting %s[%d]: %w", name, i, err)
		}
		out[i] = n
	}
	return out, nil
}

// Link extracts a textual link setting: "home", "nowhere", "train",
// "spawn:N", or "owner/asset@server".
func (s Settings) Link(name string, def wire.Link) (wire.Link, error) {
	v, ok := s[name]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return wire.Link{}, fmt.Errorf("setting %s: want link string, got %T", name, v)
	}
	l, err := ParseLink(str)
	if err != nil {
		return wire.Link{}, fmt.Errorf("setting %s: %w", name, err)
	}
	return l, nil
}

// KindInfo names a piece kind and its constructor. The catalogue is
// fixed; templates referencing unknown kinds fail validation at load.
type KindInfo struct {
	Name string
	New  func(settings Settings) (Piece, error)
}

var kinds = map[string]*KindInfo{}

func register(k *KindInfo) {
	if _, dup := kinds[k.Name]; dup {
		panic("puzzle: duplicate kind " + k.Name)
	}
	kinds[k.Name] = k
}

// Kind looks up a registered piece kind.
func Kind(name string) (*KindInfo, bool) {
	k, ok := kinds[name]
	return k, ok
}

// ParseLink parses the textual link form used in settings:
// "home", "nowhere", "train", "spawn:N", or "owner/asset@server".
func ParseLink(s string) (wire.Link, error) {
	switch s {
	case "home":
		return wire.Link{Kind: wire.LinkHome}, nil
	case "nowhere":
		return wire.Link{Kind: wire.LinkNoWhere}, nil
	case "train":
		return wire.Link{Kind: wire.LinkTrainNext}, nil
	}
	var spawn uint32
	if n, err := fmt.Sscanf(s, "spawn:%d", &spawn); err == nil && n == 1 {
		return wire.Link{Kind: wire.LinkSpawn, Spawn: spawn}, nil
	}
	if owner, rest, ok := strings.Cut(s, "/"); ok {
		if assetID, server, ok := strings.Cut(rest, "@"); ok && owner != "" && assetID != "" && server != "" {
			return wire.Link{Kind: wire.LinkRealm, Owner: owner, Asset: assetID, Server: server}, nil
		}
	}
	return wire.Link{}, fmt.Errorf("bad link %q", s)
}

// EventChanged is the conventional output name shared by most kinds.
const EventChanged = "Changed"
