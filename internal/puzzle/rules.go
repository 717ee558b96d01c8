package puzzle

import (
	"fmt"
	"sort"

	"github.com/spadina/server/internal/wire"
)

// PropagationRule wires one piece event into one piece command through
// a transformer.
type PropagationRule struct {
	_msgpack struct{} `msgpack:",as_array"`

	Src         uint32
	Event       string
	Transformer Transformer
	Dst         uint32
	Command     string
}

// ConsequenceKind selects what a consequence rule drives.
type ConsequenceKind uint8

const (
	// ConsequenceProperty publishes the event payload as a named
	// client-visible property.
	ConsequenceProperty ConsequenceKind = iota
	// ConsequenceGate binds a boolean event to a manifold gate id.
	ConsequenceGate
	// ConsequenceMark sets or clears a bit of the stimulus player's
	// mark vector from a boolean event.
	ConsequenceMark
)

// ConsequenceRule maps a piece event outward: to a property, a gate,
// or a player mark.
type ConsequenceRule struct {
	_msgpack struct{} `msgpack:",as_array"`

	Src      uint32
	Event    string
	Kind     ConsequenceKind
	Property string
	Gate     uint32
	MarkBit  uint32
}

type ruleKey struct {
	src   uint32
	event string
}

// Rules is the compiled, validated rule set of a realm.
type Rules struct {
	propagation map[ruleKey][]PropagationRule
	consequence map[ruleKey][]ConsequenceRule
}

// CompileRules validates every rule against the piece instances and
// builds the dispatch tables. Any type mismatch is a load-time error;
// the evaluator never sees an ill-typed rule.
func CompileRules(pieces map[uint32]Piece, propagation []PropagationRule, consequence []ConsequenceRule) (*Rules, error) {
	r := &Rules{
		propagation: make(map[ruleKey][]PropagationRule),
		consequence: make(map[ruleKey][]ConsequenceRule),
	}
	for i, rule := range propagation {
		src, ok := pieces[rule.Src]
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown source piece %d", i, rule.Src)
		}
		eventType, ok := src.EventType(rule.Event)
		if !ok {
			return nil, fmt.Errorf("rule %d: piece %d has no event %q", i, rule.Src, rule.Event)
		}
		dst, ok := pieces[rule.Dst]
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown target piece %d", i, rule.Dst)
		}
		if rule.Command == CommandOccupants {
			return nil, fmt.Errorf("rule %d: command %q is realm-reserved", i, rule.Command)
		}
		cmdType, ok := dst.CommandType(rule.Command)
		if !ok {
			return nil, fmt.Errorf("rule %d: piece %d has no command %q", i, rule.Dst, rule.Command)
		}
		outType, err := rule.Transformer.Check(eventType)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if outType != cmdType {
			return nil, fmt.Errorf("rule %d: transformer yields %s, command %q wants %s",
				i, outType, rule.Command, cmdType)
		}
		key := ruleKey{rule.Src, rule.Event}
		r.propagation[key] = append(r.propagation[key], rule)
	}
	for i, rule := range consequence {
		src, ok := pieces[rule.Src]
		if !ok {
			return nil, fmt.Errorf("consequence %d: unknown source piece %d", i, rule.Src)
		}
		eventType, ok := src.EventType(rule.Event)
		if !ok {
			return nil, fmt.Errorf("consequence %d: piece %d has no event %q", i, rule.Src, rule.Event)
		}
		switch rule.Kind {
		case ConsequenceProperty:
			if rule.Property == "" {
				return nil, fmt.Errorf("consequence %d: empty property name", i)
			}
		case ConsequenceGate, ConsequenceMark:
			if eventType != wire.KindBool {
				return nil, fmt.Errorf("consequence %d: event %q is %s, gates and marks want bool",
					i, rule.Event, eventType)
			}
		default:
			return nil, fmt.Errorf("consequence %d: unknown kind %d", i, rule.Kind)
		}
		key := ruleKey{rule.Src, rule.Event}
		r.consequence[key] = append(r.consequence[key], rule)
	}
	return r, nil
}

// Propagation returns the rules fired by an event, in template order.
func (r *Rules) Propagation(src uint32, event string) []PropagationRule {
	return r.propagation[ruleKey{src, event}]
}

// Consequences returns the consequence rules fired by an event.
func (r *Rules) Consequences(src uint32, event string) []ConsequenceRule {
	return r.consequence[ruleKey{src, event}]
}

// GateIDs lists every gate id any consequence rule can drive, sorted.
func (r *Rules) GateIDs() []uint32 {
	set := make(map[uint32]bool)
	for _, rules := range r.consequence {
		for _, rule := range rules {
			if rule.Kind == ConsequenceGate {
				set[rule.Gate] = true
			}
		}
	}
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
