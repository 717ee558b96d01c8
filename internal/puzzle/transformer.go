package puzzle

import (
	"fmt"

	"github.com/spadina/server/internal/wire"
)

// TransformerKind enumerates the fixed transformer catalogue. Each
// transformer is a pure total function from its declared input type to
// an optional command payload; returning no value suppresses the
// command.
type TransformerKind uint8

const (
	// TransformCopy passes the payload through unchanged.
	TransformCopy TransformerKind = iota
	// TransformDiscard strips the payload, producing empty.
	TransformDiscard
	// TransformLiteral replaces the payload with a constant.
	TransformLiteral
	// TransformNotBool inverts a boolean payload.
	TransformNotBool
	// TransformCompare tests an integer payload against a constant and
	// produces the boolean verdict.
	TransformCompare
	// TransformBitDecompose splits an integer into its low bits.
	TransformBitDecompose
	// TransformLinkSelect maps a boolean to one of two link constants.
	TransformLinkSelect
	// TransformFilter passes an integer payload only when it satisfies
	// the comparison; otherwise the command is suppressed.
	TransformFilter
)

// Transformer is the wire and in-memory form of a propagation rule's
// payload function.
type Transformer struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind      TransformerKind
	Literal   wire.Value // TransformLiteral
	Op        string     // TransformCompare
	Rhs       int32      // TransformCompare
	Width     int32      // TransformBitDecompose
	WhenTrue  wire.Link  // TransformLinkSelect
	WhenFalse wire.Link  // TransformLinkSelect
}

// Check validates the transformer against the event type it consumes
// and returns the command payload type it produces.
func (t *Transformer) Check(in wire.ValueKind) (wire.ValueKind, error) {
	switch t.Kind {
	case TransformCopy:
		return in, nil
	case TransformDiscard:
		return wire.KindEmpty, nil
	case TransformLiteral:
		return t.Literal.Kind, nil
	case TransformNotBool:
		if in != wire.KindBool {
			return 0, fmt.Errorf("not: input %s, want bool", in)
		}
		return wire.KindBool, nil
	case TransformCompare:
		if in != wire.KindInt {
			return 0, fmt.Errorf("compare: input %s, want int", in)
		}
		if !validCompareOp(t.Op) {
			return 0, fmt.Errorf("compare: unknown op %q", t.Op)
		}
		return wire.KindBool, nil
	case TransformBitDecompose:
		if in != wire.KindInt {
			return 0, fmt.Errorf("bits: input %s, want int", in)
		}
		if t.Width < 1 || t.Width > 31 {
			return 0, fmt.Errorf("bits: width %d out of range", t.Width)
		}
		return wire.KindBoolList, nil
	case TransformLinkSelect:
		if in != wire.KindBool {
			return 0, fmt.Errorf("link select: input %s, want bool", in)
		}
		return wire.KindLink, nil
	case TransformFilter:
		if in != wire.KindInt {
			return 0, fmt.Errorf("filter: input %s, want int", in)
		}
		if !validCompareOp(t.Op) {
			return 0, fmt.Errorf("filter: unknown op %q", t.Op)
		}
		return wire.KindInt, nil
	default:
		return 0, fmt.Errorf("unknown transformer %d", t.Kind)
	}
}

// Apply maps an event payload to a command payload. The boolean result
// is false when the command is suppressed. Inputs have already been
// validated, so Apply is total.
func (t *Transformer) Apply(v wire.Value) (wire.Value, bool) {
	switch t.Kind {
	case TransformCopy:
		return v, true
	case TransformDiscard:
		return wire.Empty(), true
	case TransformLiteral:
		return t.Literal, true
	case TransformNotBool:
		return wire.Bool(!v.Bool), true
	case TransformCompare:
		return wire.Bool(compare(t.Op, v.Int, t.Rhs)), true
	case TransformBitDecompose:
		bits := make([]bool, t.Width)
		for i := int32(0); i < t.Width; i++ {
			bits[i] = v.Int&(1<<i) != 0
		}
		return wire.Bools(bits), true
	case TransformLinkSelect:
		if v.Bool {
			return wire.ToLink(t.WhenTrue), true
		}
		return wire.ToLink(t.WhenFalse), true
	case TransformFilter:
		if compare(t.Op, v.Int, t.Rhs) {
			return v, true
		}
		return wire.Empty(), false
	default:
		return wire.Empty(), false
	}
}
