package puzzle

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spadina/server/internal/wire"
)

// EventBudget caps the cumulative command enqueues one stimulus may
// cause. A template that exceeds it is broken by construction; the
// stimulus is rolled back and the realm marked broken.
const EventBudget = 10000

var (
	// ErrBudgetExceeded reports a stimulus aborted by the event budget.
	// The runtime state is exactly as it was before the stimulus.
	ErrBudgetExceeded = errors.New("puzzle: event budget exceeded")
	// ErrBadCommand reports a command rejected before evaluation:
	// unknown piece, unknown command, or payload type mismatch.
	ErrBadCommand = errors.New("puzzle: bad command")
)

// MarkChange asks the realm to set or clear one bit of the stimulus
// player's mark vector.
type MarkChange struct {
	Bit uint32
	Set bool
}

// Schedule asks the realm's timer wheel for a future tick.
type Schedule struct {
	Piece uint32
	After time.Duration
}

// Result reports everything a successful fixpoint changed. The realm
// turns it into broadcasts, gate re-planning, mark updates, player
// moves, and wheel entries.
type Result struct {
	Properties []wire.Property
	Gates      map[uint32]bool
	Marks      []MarkChange
	Moves      []Move
	Schedules  []Schedule
}

// Empty reports whether the fixpoint changed nothing observable.
func (r *Result) Empty() bool {
	return len(r.Properties) == 0 && len(r.Gates) == 0 &&
		len(r.Marks) == 0 && len(r.Moves) == 0 && len(r.Schedules) == 0
}

// Runtime is one realm's puzzle state machine. It is single-threaded
// by construction: the owning realm task is the only caller.
type Runtime struct {
	seed   int64
	pieces map[uint32]Piece
	order  []uint32
	rules  *Rules

	properties map[string]wire.Value
	gates      map[uint32]bool
}

// NewRuntime assembles a runtime from constructed pieces and compiled
// rules. Default property values come from the template.
func NewRuntime(seed int64, pieces map[uint32]Piece, rules *Rules, defaults []wire.Property) *Runtime {
	order := make([]uint32, 0, len(pieces))
	for id := range pieces {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	rt := &Runtime{
		seed:       seed,
		pieces:     pieces,
		order:      order,
		rules:      rules,
		properties: make(map[string]wire.Value),
		gates:      make(map[uint32]bool),
	}
	for _, p := range defaults {
		rt.properties[p.Name] = p.Value
	}
	for _, id := range rules.GateIDs() {
		rt.gates[id] = false
	}
	return rt
}

// Properties returns the current property table, sorted by name.
func (rt *Runtime) Properties() []wire.Property {
	out := make([]wire.Property, 0, len(rt.properties))
	for name, v := range rt.properties {
		out = append(out, wire.Property{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Gates returns a copy of the current gate assignment.
func (rt *Runtime) Gates() map[uint32]bool {
	out := make(map[uint32]bool, len(rt.gates))
	for id, open := range rt.gates {
		out[id] = open
	}
	return out
}

// Piece returns a piece by id; the realm uses it to find Proximity
// areas and to type-check interactions before dispatch.
func (rt *Runtime) Piece(id uint32) (Piece, bool) {
	p, ok := rt.pieces[id]
	return p, ok
}

// PieceIDs returns all piece ids, ascending.
func (rt *Runtime) PieceIDs() []uint32 { return rt.order }

type workItem struct {
	dst   uint32
	cmd   string
	value wire.Value
}

// DeliverCommand validates and runs one external command stimulus.
func (rt *Runtime) DeliverCommand(now time.Time, target uint32, cmd string, v wire.Value) (*Result, error) {
	p, ok := rt.pieces[target]
	if !ok {
		return nil, fmt.Errorf("%w: no piece %d", ErrBadCommand, target)
	}
	want, ok := p.CommandType(cmd)
	if !ok {
		return nil, fmt.Errorf("%w: piece %d has no command %q", ErrBadCommand, target, cmd)
	}
	if v.Kind != want {
		return nil, fmt.Errorf("%w: command %q wants %s, got %s", ErrBadCommand, cmd, want, v.Kind)
	}
	return rt.fixpoint(now, []workItem{{dst: target, cmd: cmd, value: v}}, nil)
}

// DeliverTick runs a scheduled wheel tick for one piece.
func (rt *Runtime) DeliverTick(now time.Time, target uint32) (*Result, error) {
	if _, ok := rt.pieces[target]; !ok {
		return nil, fmt.Errorf("%w: no piece %d", ErrBadCommand, target)
	}
	return rt.fixpoint(now, nil, []uint32{target})
}

// Prime fires every piece's Prime hook in id order; time-driven pieces
// schedule their first wheel entries and emit their initial events.
func (rt *Runtime) Prime(now time.Time) (*Result, error) {
	return rt.fixpoint(now, nil, nil)
}

// fixpoint drains the worklist to quiescence or aborts on budget.
// When initial is nil and ticks is nil, every piece is primed instead
// (the initial load path). Ticks are fired in ascending piece order.
func (rt *Runtime) fixpoint(now time.Time, initial []workItem, ticks []uint32) (*Result, error) {
	type snapshot struct {
		id   uint32
		data []byte
	}
	saved := make([]snapshot, 0, len(rt.order))
	for _, id := range rt.order {
		data, err := rt.pieces[id].Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot piece %d: %w", id, err)
		}
		saved = append(saved, snapshot{id: id, data: data})
	}
	savedProps := make(map[string]wire.Value, len(rt.properties))
	for k, v := range rt.properties {
		savedProps[k] = v
	}
	savedGates := make(map[uint32]bool, len(rt.gates))
	for k, v := range rt.gates {
		savedGates[k] = v
	}
	rollback := func() {
		for _, s := range saved {
			// Restore of a snapshot taken a moment ago cannot fail.
			_ = rt.pieces[s.id].Restore(s.data)
		}
		rt.properties = savedProps
		rt.gates = savedGates
	}

	res := &Result{Gates: make(map[uint32]bool)}
	changedProps := make(map[string]bool)

	queue := make([]workItem, 0, 16)
	queue = append(queue, initial...)
	enqueued := len(queue)

	emit := func(src uint32, events []Event) bool {
		for _, ev := range events {
			for _, rule := range rt.rules.Consequences(src, ev.Name) {
				switch rule.Kind {
				case ConsequenceProperty:
					if cur, ok := rt.properties[rule.Property]; !ok || !cur.Equal(ev.Value) {
						rt.properties[rule.Property] = ev.Value
						changedProps[rule.Property] = true
					}
				case ConsequenceGate:
					if rt.gates[rule.Gate] != ev.Value.Bool {
						rt.gates[rule.Gate] = ev.Value.Bool
						res.Gates[rule.Gate] = ev.Value.Bool
					}
				case ConsequenceMark:
					res.Marks = append(res.Marks, MarkChange{Bit: rule.MarkBit, Set: ev.Value.Bool})
				}
			}
			for _, rule := range rt.rules.Propagation(src, ev.Name) {
				out, some := rule.Transformer.Apply(ev.Value)
				if !some {
					continue
				}
				enqueued++
				if enqueued > EventBudget {
					return false
				}
				queue = append(queue, workItem{dst: rule.Dst, cmd: rule.Command, value: out})
			}
		}
		return true
	}

	step := func(id uint32, run func(p Piece, ctx *Context) []Event) bool {
		ctx := &Context{Now: now, RealmSeed: rt.seed, Piece: id}
		events := run(rt.pieces[id], ctx)
		for _, d := range ctx.schedules {
			res.Schedules = append(res.Schedules, Schedule{Piece: id, After: d})
		}
		res.Moves = append(res.Moves, ctx.moves...)
		return emit(id, events)
	}

	ok := true
	switch {
	case initial != nil:
	case ticks != nil:
		sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
		for _, id := range ticks {
			if ok = step(id, func(p Piece, ctx *Context) []Event { return p.Tick(ctx) }); !ok {
				break
			}
		}
	default:
		for _, id := range rt.order {
			if ok = step(id, func(p Piece, ctx *Context) []Event { return p.Prime(ctx) }); !ok {
				break
			}
		}
	}

	for ok && len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		ok = step(item.dst, func(p Piece, ctx *Context) []Event {
			return p.Accept(item.cmd, item.value, ctx)
		})
	}

	if !ok {
		rollback()
		return nil, ErrBudgetExceeded
	}

	for name := range changedProps {
		res.Properties = append(res.Properties, wire.Property{Name: name, Value: rt.properties[name]})
	}
	sort.Slice(res.Properties, func(i, j int) bool { return res.Properties[i].Name < res.Properties[j].Name })
	return res, nil
}
