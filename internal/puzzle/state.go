package puzzle

import (
	"fmt"
	"sort"

	"github.com/spadina/server/internal/wire"
)

// pieceState pairs a piece id with its kind-private snapshot.
type pieceState struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID   uint32
	Data []byte
}

// runtimeState is the journalled form of a runtime: written after
// every stable fixpoint, reloaded on realm wake-up. Together with the
// immutable template it reconstructs the runtime bit-identically.
type runtimeState struct {
	_msgpack struct{} `msgpack:",as_array"`

	Pieces     []pieceState
	Properties []wire.Property
	Gates      []wire.GateState
}

// SnapshotState serialises the full runtime state for the journal.
// Output is canonical: pieces ascend by id, properties by name, gates
// by id.
func (rt *Runtime) SnapshotState() ([]byte, error) {
	st := runtimeState{
		Pieces:     make([]pieceState, 0, len(rt.order)),
		Properties: rt.Properties(),
	}
	for _, id := range rt.order {
		data, err := rt.pieces[id].Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot piece %d: %w", id, err)
		}
		st.Pieces = append(st.Pieces, pieceState{ID: id, Data: data})
	}
	gateIDs := make([]uint32, 0, len(rt.gates))
	for id := range rt.gates {
		gateIDs = append(gateIDs, id)
	}
	sort.Slice(gateIDs, func(i, j int) bool { return gateIDs[i] < gateIDs[j] })
	for _, id := range gateIDs {
		st.Gates = append(st.Gates, wire.GateState{Edge: uint64(id), Open: rt.gates[id]})
	}
	return wire.Marshal(&st)
}

// RestoreState loads a journal snapshot into a freshly constructed
// runtime. Unknown piece ids mean the journal does not match the
// template and the load is corrupt.
func (rt *Runtime) RestoreState(data []byte) error {
	var st runtimeState
	if err := wire.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	for _, ps := range st.Pieces {
		p, ok := rt.pieces[ps.ID]
		if !ok {
			return fmt.Errorf("state references unknown piece %d", ps.ID)
		}
		if err := p.Restore(ps.Data); err != nil {
			return fmt.Errorf("restore piece %d: %w", ps.ID, err)
		}
	}
	rt.properties = make(map[string]wire.Value, len(st.Properties))
	for _, p := range st.Properties {
		rt.properties[p.Name] = p.Value
	}
	rt.gates = make(map[uint32]bool, len(st.Gates))
	for _, g := range st.Gates {
		rt.gates[uint32(g.Edge)] = g.Open
	}
	return nil
}
