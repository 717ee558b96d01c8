package puzzle

import (
	"fmt"

	"github.com/spadina/server/internal/wire"
)

func init() {
	register(&KindInfo{Name: "Logic", New: newLogic})
	register(&KindInfo{Name: "Comparator", New: newComparator})
	register(&KindInfo{Name: "Arithmetic", New: newArithmetic})
}

// ── Logic ──────────────────────────────────────────────────────────

type logicState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Left     bool
	Right    bool
	Out      bool
}

// Logic combines two boolean inputs with a fixed operation.
type Logic struct {
	op          string
	left, right bool
	out         bool
}

func newLogic(s Settings) (Piece, error) {
	op, err := s.String("op", "and")
	if err != nil {
		return nil, err
	}
	switch op {
	case "and", "or", "xor", "nand", "nor", "xnor":
	default:
		return nil, fmt.Errorf("logic: unknown op %q", op)
	}
	l := &Logic{op: op}
	l.out = l.compute()
	return l, nil
}

func (l *Logic) compute() bool {
	switch l.op {
	case "and":
		return l.left && l.right
	case "or":
		return l.left || l.right
	case "xor":
		return l.left != l.right
	case "nand":
		return !(l.left && l.right)
	case "nor":
		return !(l.left || l.right)
	default: // xnor
		return l.left == l.right
	}
}

func (l *Logic) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "SetLeft", "SetRight":
		return wire.KindBool, true
	}
	return 0, false
}

func (l *Logic) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindBool, true
	}
	return 0, false
}

func (l *Logic) Accept(cmd string, v wire.Value, _ *Context) []Event {
	switch cmd {
	case "SetLeft":
		l.left = v.Bool
	case "SetRight":
		l.right = v.Bool
	default:
		return nil
	}
	out := l.compute()
	if out == l.out {
		return nil
	}
	l.out = out
	return []Event{{Name: EventChanged, Value: wire.Bool(out)}}
}

func (l *Logic) Tick(*Context) []Event  { return nil }
func (l *Logic) Prime(*Context) []Event { return nil }

func (l *Logic) Snapshot() ([]byte, error) {
	return wire.Marshal(&logicState{Left: l.left, Right: l.right, Out: l.out})
}

func (l *Logic) Restore(data []byte) error {
	var st logicState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	l.left, l.right, l.out = st.Left, st.Right, st.Out
	return nil
}

// ── Comparator ─────────────────────────────────────────────────────

type comparatorState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Out      bool
	Seen     bool
}

// Comparator tests its input against a fixed reference and emits the
// boolean verdict whenever it changes.
type Comparator struct {
	op   string
	rhs  int32
	out  bool
	seen bool
}

func newComparator(s Settings) (Piece, error) {
	op, err := s.String("op", "eq")
	if err != nil {
		return nil, err
	}
	if !validCompareOp(op) {
		return nil, fmt.Errorf("comparator: unknown op %q", op)
	}
	rhs, err := s.RequireInt("rhs")
	if err != nil {
		return nil, err
	}
	return &Comparator{op: op, rhs: rhs}, nil
}

func validCompareOp(op string) bool {
	switch op {
	case "eq", "ne", "lt", "le", "gt", "ge":
		return true
	}
	return false
}

func compare(op string, lhs, rhs int32) bool {
	switch op {
	case "eq":
		return lhs == rhs
	case "ne":
		return lhs != rhs
	case "lt":
		return lhs < rhs
	case "le":
		return lhs <= rhs
	case "gt":
		return lhs > rhs
	default: // ge
		return lhs >= rhs
	}
}

func (c *Comparator) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindInt, true
	}
	return 0, false
}

func (c *Comparator) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindBool, true
	}
	return 0, false
}

func (c *Comparator) Accept(cmd string, v wire.Value, _ *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	out := compare(c.op, v.Int, c.rhs)
	if c.seen && out == c.out {
		return nil
	}
	c.out, c.seen = out, true
	return []Event{{Name: EventChanged, Value: wire.Bool(out)}}
}

func (c *Comparator) Tick(*Context) []Event  { return nil }
func (c *Comparator) Prime(*Context) []Event { return nil }

func (c *Comparator) Snapshot() ([]byte, error) {
	return wire.Marshal(&comparatorState{Out: c.out, Seen: c.seen})
}

func (c *Comparator) Restore(data []byte) error {
	var st comparatorState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	c.out, c.seen = st.Out, st.Seen
	return nil
}

// ── Arithmetic ─────────────────────────────────────────────────────

type arithmeticState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Left     int32
	Right    int32
	Out      int32
}

// Arithmetic combines two integer inputs. Division by zero yields zero
// rather than a runtime fault.
type Arithmetic struct {
	op          string
	left, right int32
	out         int32
}

func newArithmetic(s Settings) (Piece, error) {
	op, err := s.String("op", "add")
	if err != nil {
		return nil, err
	}
	switch op {
	case "add", "sub", "mul", "div", "mod", "min", "max":
	default:
		return nil, fmt.Errorf("arithmetic: unknown op %q", op)
	}
	return &Arithmetic{op: op}, nil
}

func (a *Arithmetic) compute() int32 {
	switch a.op {
	case "add":
		return a.left + a.right
	case "sub":
		return a.left - a.right
	case "mul":
		return a.left * a.right
	case "div":
		if a.right == 0 {
			return 0
		}
		return a.left / a.right
	case "mod":
		if a.right == 0 {
			return 0
		}
		return a.left % a.right
	case "min":
		if a.left < a.right {
			return a.left
		}
		return a.right
	default: // max
		if a.left > a.right {
			return a.left
		}
		return a.right
	}
}

func (a *Arithmetic) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "SetLeft", "SetRight":
		return wire.KindInt, true
	}
	return 0, false
}

func (a *Arithmetic) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (a *Arithmetic) Accept(cmd string, v wire.Value, _ *Context) []Event {
	switch cmd {
	case "SetLeft":
		a.left = v.Int
	case "SetRight":
		a.right = v.Int
	default:
		return nil
	}
	out := a.compute()
	if out == a.out {
		return nil
	}
	a.out = out
	return []Event{{Name: EventChanged, Value: wire.Int(out)}}
}

func (a *Arithmetic) Tick(*Context) []Event  { return nil }
func (a *Arithmetic) Prime(*Context) []Event { return nil }

func (a *Arithmetic) Snapshot() ([]byte, error) {
	return wire.Marshal(&arithmeticState{Left: a.left, Right: a.right, Out: a.out})
}

func (a *Arithmetic) Restore(data []byte) error {
	var st arithmeticState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	a.left, a.right, a.out = st.Left, st.Right, st.Out
	return nil
}
