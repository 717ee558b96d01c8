package puzzle

import (
	"fmt"

	"github.com/spadina/server/internal/wire"
)

func init() {
	register(&KindInfo{Name: "Proximity", New: newProximity})
}

// CommandOccupants is the realm-reserved command that feeds a
// Proximity piece its current occupant roster. Templates cannot wire
// propagation rules into it.
const CommandOccupants = "Occupants"

// Proximity watches one manifold area. It emits Changed(n) whenever
// the occupant count changes, and its Send command moves every current
// occupant along the given link.
type Proximity struct {
	area      uint32
	occupants []int32 // realm-local roster ids, sorted
}

type proximityState struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Occupants []int32
}

func newProximity(s Settings) (Piece, error) {
	area, err := s.RequireInt("area")
	if err != nil {
		return nil, err
	}
	if area < 0 {
		return nil, fmt.Errorf("proximity: negative area %d", area)
	}
	return &Proximity{area: uint32(area)}, nil
}

// Area returns the watched area id; the realm uses it to route
// occupancy diffs.
func (p *Proximity) Area() uint32 { return p.area }

func (p *Proximity) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case CommandOccupants:
		return wire.KindIntList, true
	case "Send":
		return wire.KindLink, true
	}
	return 0, false
}

func (p *Proximity) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (p *Proximity) Accept(cmd string, v wire.Value, ctx *Context) []Event {
	switch cmd {
	case CommandOccupants:
		changed := len(v.Ints) != len(p.occupants)
		p.occupants = append(p.occupants[:0], v.Ints...)
		if !changed {
			return nil
		}
		return []Event{{Name: EventChanged, Value: wire.Int(int32(len(p.occupants)))}}
	case "Send":
		if len(p.occupants) == 0 {
			return nil
		}
		players := make([]wire.PlayerID, len(p.occupants))
		for i, id := range p.occupants {
			players[i] = wire.PlayerID(id)
		}
		ctx.Eject(players, v.Link)
		return nil
	}
	return nil
}

func (p *Proximity) Tick(*Context) []Event  { return nil }
func (p *Proximity) Prime(*Context) []Event { return nil }

func (p *Proximity) Snapshot() ([]byte, error) {
	// Occupancy is transient: a reloaded realm has no players, so the
	// snapshot stores the empty roster deliberately.
	return wire.Marshal(&proximityState{})
}

func (p *Proximity) Restore(data []byte) error {
	var st proximityState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	p.occupants = st.Occupants
	return nil
}
