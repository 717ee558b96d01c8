// Package manifold implements the static graph of walkable points a
// realm is built over: free and puzzle-gated edges, spawn points, and
// area occupancy. The graph is extracted from the template asset at
// realm init and never changes afterwards.
package manifold

import (
	"fmt"
	"sort"

	"github.com/spadina/server/internal/wire"
)

// GateKind selects what a gated edge consults.
type GateKind uint8

const (
	// GatePuzzle binds the edge to a boolean puzzle output.
	GatePuzzle GateKind = iota
	// GateMark binds the edge to a bit of the walking player's mark vector.
	GateMark
)

// GateRef names the gate bound to an edge.
type GateRef struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind GateKind
	ID   uint32 // gate id for GatePuzzle, bit index for GateMark
}

// Edge is one directed hop. Duration is the walk time in milliseconds.
// Gate is nil for free edges.
type Edge struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID       uint64
	From     wire.Point
	To       wire.Point
	Duration uint32
	Gate     *GateRef
}

// Area is an axis-aligned region on one surface, used by Proximity
// pieces and link targets.
type Area struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID                     uint32
	Surface                uint32
	MinX, MinY, MaxX, MaxY uint32
}

// Contains reports whether p lies inside the area.
func (a Area) Contains(p wire.Point) bool {
	return p.Surface == a.Surface &&
		p.X >= a.MinX && p.X <= a.MaxX &&
		p.Y >= a.MinY && p.Y <= a.MaxY
}

// Def is the wire form of a manifold inside a realm template.
type Def struct {
	_msgpack struct{} `msgpack:",as_array"`

	Edges  []Edge
	Spawns []wire.Point
	Areas  []Area
}

// Manifold is the immutable compiled graph.
type Manifold struct {
	edges    []Edge
	bySource map[wire.Point][]int // indexes into edges, sorted by edge id
	spawns   []wire.Point
	areas    []Area
	points   map[wire.Point]bool
}

// Compile validates a definition and builds the lookup structures.
func Compile(def *Def) (*Manifold, error) {
	if len(def.Spawns) == 0 {
		return nil, fmt.Errorf("manifold: no spawn points")
	}
	m := &Manifold{
		edges:    make([]Edge, len(def.Edges)),
		bySource: make(map[wire.Point][]int),
		spawns:   append([]wire.Point(nil), def.Spawns...),
		areas:    append([]Area(nil), def.Areas...),
		points:   make(map[wire.Point]bool),
	}
	copy(m.edges, def.Edges)
	sort.Slice(m.edges, func(i, j int) bool { return m.edges[i].ID < m.edges[j].ID })
	seen := make(map[uint64]bool, len(m.edges))
	for i, e := range m.edges {
		if seen[e.ID] {
			return nil, fmt.Errorf("manifold: duplicate edge id %d", e.ID)
		}
		seen[e.ID] = true
		if e.Duration == 0 {
			return nil, fmt.Errorf("manifold: edge %d has zero duration", e.ID)
		}
		m.bySource[e.From] = append(m.bySource[e.From], i)
		m.points[e.From] = true
		m.points[e.To] = true
	}
	for _, s := range def.Spawns {
		if !m.points[s] {
			return nil, fmt.Errorf("manifold: spawn %s is not a graph point", s)
		}
	}
	return m, nil
}

// Spawn returns the i-th spawn point, clamping out-of-range indexes to
// the first spawn.
func (m *Manifold) Spawn(i int) wire.Point {
	if i < 0 || i >= len(m.spawns) {
		return m.spawns[0]
	}
	return m.spawns[i]
}

// HasPoint reports whether p is a node of the graph.
func (m *Manifold) HasPoint(p wire.Point) bool { return m.points[p] }

// Areas returns the defined areas.
func (m *Manifold) Areas() []Area { return m.areas }

// Area looks up an area by id.
func (m *Manifold) Area(id uint32) (Area, bool) {
	for _, a := range m.areas {
		if a.ID == id {
			return a, true
		}
	}
	return Area{}, false
}

// GateIDs returns the sorted set of puzzle gate ids referenced by any
// edge, so the realm can validate consequence bindings at load.
func (m *Manifold) GateIDs() []uint32 {
	set := make(map[uint32]bool)
	for _, e := range m.edges {
		if e.Gate != nil && e.Gate.Kind == GatePuzzle {
			set[e.Gate.ID] = true
		}
	}
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GatedEdges returns the states of all puzzle-gated edges under the
// given gate assignment, sorted by edge id. Broadcast to clients after
// every gate diff.
func (m *Manifold) GatedEdges(gates map[uint32]bool) []wire.GateState {
	var out []wire.GateState
	for _, e := range m.edges {
		if e.Gate != nil && e.Gate.Kind == GatePuzzle {
			out = append(out, wire.GateState{Edge: e.ID, Open: gates[e.Gate.ID]})
		}
	}
	return out
}
