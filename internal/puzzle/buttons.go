package puzzle

import (
	"fmt"

	"github.com/spadina/server/internal/wire"
)

func init() {
	register(&KindInfo{Name: "Button", New: newButton})
	register(&KindInfo{Name: "Switch", New: newSwitch})
	register(&KindInfo{Name: "RadioButton", New: newRadioButton})
	register(&KindInfo{Name: "Counter", New: newCounter})
}

// ── Button ─────────────────────────────────────────────────────────

// Button is a stateless pulse source: every Press emits Changed.
type Button struct{}

func newButton(Settings) (Piece, error) { return &Button{}, nil }

func (b *Button) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Press" {
		return wire.KindEmpty, true
	}
	return 0, false
}

func (b *Button) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindEmpty, true
	}
	return 0, false
}

func (b *Button) Accept(cmd string, _ wire.Value, _ *Context) []Event {
	if cmd != "Press" {
		return nil
	}
	return []Event{{Name: EventChanged}}
}

func (b *Button) Tick(*Context) []Event          { return nil }
func (b *Button) Prime(*Context) []Event         { return nil }
func (b *Button) Snapshot() ([]byte, error)      { return []byte{}, nil }
func (b *Button) Restore([]byte) error           { return nil }

// ── Switch ─────────────────────────────────────────────────────────

type switchState struct {
	_msgpack struct{} `msgpack:",as_array"`
	On       bool
}

// Switch is a latching boolean. Changed fires only on transitions.
type Switch struct {
	on bool
}

func newSwitch(s Settings) (Piece, error) {
	initial, err := s.Int("initial", 0)
	if err != nil {
		return nil, err
	}
	return &Switch{on: initial != 0}, nil
}

func (s *Switch) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "On", "Off", "Toggle":
		return wire.KindEmpty, true
	case "Set":
		return wire.KindBool, true
	}
	return 0, false
}

func (s *Switch) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindBool, true
	}
	return 0, false
}

func (s *Switch) Accept(cmd string, v wire.Value, _ *Context) []Event {
	next := s.on
	switch cmd {
	case "On":
		next = true
	case "Off":
		next = false
	case "Toggle":
		next = !s.on
	case "Set":
		next = v.Bool
	default:
		return nil
	}
	if next == s.on {
		return nil
	}
	s.on = next
	return []Event{{Name: EventChanged, Value: wire.Bool(s.on)}}
}

func (s *Switch) Tick(*Context) []Event  { return nil }
func (s *Switch) Prime(*Context) []Event { return nil }

func (s *Switch) Snapshot() ([]byte, error) {
	return wire.Marshal(&switchState{On: s.on})
}

func (s *Switch) Restore(data []byte) error {
	var st switchState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	s.on = st.On
	return nil
}

// ── RadioButton ────────────────────────────────────────────────────

type radioState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Selected int32
}

// RadioButton selects one of max+1 stations. Press cycles; Set clamps
// silently to [0, max].
type RadioButton struct {
	max      int32
	selected int32
}

func newRadioButton(s Settings) (Piece, error) {
	max, err := s.RequireInt("max")
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("radio button: max %d < 1", max)
	}
	initial, err := s.Int("initial", 0)
	if err != nil {
		return nil, err
	}
	return &RadioButton{max: max, selected: clamp(initial, max)}, nil
}

func (r *RadioButton) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "Press":
		return wire.KindEmpty, true
	case "Set":
		return wire.KindInt, true
	}
	return 0, false
}

func (r *RadioButton) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (r *RadioButton) Accept(cmd string, v wire.Value, _ *Context) []Event {
	next := r.selected
	switch cmd {
	case "Press":
		next = (r.selected + 1) % (r.max + 1)
	case "Set":
		next = clamp(v.Int, r.max)
	default:
		return nil
	}
	if next == r.selected {
		return nil
	}
	r.selected = next
	return []Event{{Name: EventChanged, Value: wire.Int(r.selected)}}
}

func (r *RadioButton) Tick(*Context) []Event  { return nil }
func (r *RadioButton) Prime(*Context) []Event { return nil }

func (r *RadioButton) Snapshot() ([]byte, error) {
	return wire.Marshal(&radioState{Selected: r.selected})
}

func (r *RadioButton) Restore(data []byte) error {
	var st radioState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	r.selected = clamp(st.Selected, r.max)
	return nil
}

// ── Counter ────────────────────────────────────────────────────────

type counterState struct {
	_msgpack struct{} `msgpack:",as_array"`
	N        int32
}

// Counter holds an integer in [0, max]. Over- and underflow clamp
// silently.
type Counter struct {
	max int32
	n   int32
}

func newCounter(s Settings) (Piece, error) {
	max, err := s.RequireInt("max")
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("counter: max %d < 1", max)
	}
	initial, err := s.Int("initial", 0)
	if err != nil {
		return nil, err
	}
	return &Counter{max: max, n: clamp(initial, max)}, nil
}

func (c *Counter) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "Up", "Down":
		return wire.KindEmpty, true
	case "Set":
		return wire.KindInt, true
	}
	return 0, false
}

func (c *Counter) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (c *Counter) Accept(cmd string, v wire.Value, _ *Context) []Event {
	next := c.n
	switch cmd {
	case "Up":
		next = clamp(c.n+1, c.max)
	case "Down":
		next = clamp(c.n-1, c.max)
	case "Set":
		next = clamp(v.Int, c.max)
	default:
		return nil
	}
	if next == c.n {
		return nil
	}
	c.n = next
	return []Event{{Name: EventChanged, Value: wire.Int(c.n)}}
}

func (c *Counter) Tick(*Context) []Event  { return nil }
func (c *Counter) Prime(*Context) []Event { return nil }

func (c *Counter) Snapshot() ([]byte, error) {
	return wire.Marshal(&counterState{N: c.n})
}

func (c *Counter) Restore(data []byte) error {
	var st counterState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	c.n = clamp(st.N, c.max)
	return nil
}

func clamp(n, max int32) int32 {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
