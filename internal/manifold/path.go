package manifold

import (
	"container/heap"

	"github.com/spadina/server/internal/wire"
)

// Plan is the authoritative answer to a movement request. Committed
// holds only free edges; Pending, when non-empty, starts with a gated
// edge and is re-evaluated whenever gate state changes.
type Plan struct {
	Committed []wire.PathStep
	Pending   []wire.PathStep
}

// Marks is the walking player's mark vector, consulted by mark-gated
// edges during planning.
type Marks interface {
	Has(bit uint32) bool
}

// MarkSet is a simple bitset implementation of Marks.
type MarkSet map[uint32]bool

func (m MarkSet) Has(bit uint32) bool { return m[bit] }

type pqItem struct {
	point wire.Point
	dist  uint64
	// edge id of the arriving edge; the deterministic tie-break
	via uint64
	index int
}

type pq []*pqItem

func (q pq) Len() int { return len(q) }
func (q pq) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].via < q[j].via
}
func (q pq) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *pq) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *pq) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// traversable reports whether an edge may appear in a plan at all. A
// mark-gated edge the player lacks the mark for is a wall; a
// puzzle-gated edge is plannable in either state (PlanPath starts the
// pending suffix at the first one, open or closed).
func traversable(e *Edge, marks Marks) bool {
	if e.Gate == nil {
		return true
	}
	if e.Gate.Kind == GateMark {
		return marks != nil && marks.Has(e.Gate.ID)
	}
	return true
}

// puzzleGated reports whether the edge consults a puzzle output.
func puzzleGated(e *Edge) bool {
	return e.Gate != nil && e.Gate.Kind == GatePuzzle
}

// PlanPath computes the shortest path from -> to by walk duration.
// Ties are broken by the arriving edge id, ascending, so every server
// observing the same graph picks the same path. The result is split at
// the first puzzle-gated edge.
func (m *Manifold) PlanPath(from, to wire.Point, marks Marks, gates map[uint32]bool) Plan {
	if from == to || !m.points[from] || !m.points[to] {
		return Plan{}
	}

	dist := make(map[wire.Point]uint64)
	prevEdge := make(map[wire.Point]int) // edge index arriving at point
	visited := make(map[wire.Point]bool)

	q := &pq{}
	heap.Init(q)
	heap.Push(q, &pqItem{point: from, dist: 0})
	dist[from] = 0

	for q.Len() > 0 {
		cur := heap.Pop(q).(*pqItem)
		if visited[cur.point] {
			continue
		}
		visited[cur.point] = true
		if cur.point == to {
			break
		}
		// bySource lists are ordered by edge id, so equal-cost
		// relaxations resolve to the smallest edge id.
		for _, ei := range m.bySource[cur.point] {
			e := &m.edges[ei]
			if !traversable(e, marks) {
				continue
			}
			nd := cur.dist + uint64(e.Duration)
			old, ok := dist[e.To]
			if !ok || nd < old || (nd == old && e.ID < m.edges[prevEdge[e.To]].ID) {
				dist[e.To] = nd
				prevEdge[e.To] = ei
				heap.Push(q, &pqItem{point: e.To, dist: nd, via: e.ID})
			}
		}
	}

	if !visited[to] {
		return Plan{}
	}

	// Rebuild the step list, then split at the first puzzle-gated edge.
	var rev []int
	for p := to; p != from; {
		ei := prevEdge[p]
		rev = append(rev, ei)
		p = m.edges[ei].From
	}
	steps := make([]wire.PathStep, 0, len(rev))
	var at uint32
	split := -1
	for i := len(rev) - 1; i >= 0; i-- {
		e := &m.edges[rev[i]]
		at += e.Duration
		steps = append(steps, wire.PathStep{Edge: e.ID, To: e.To, At: at})
		if split < 0 && puzzleGated(e) {
			split = len(steps) - 1
		}
	}
	if split < 0 {
		return Plan{Committed: steps}
	}
	// Pending timestamps restart from zero; they are rebased when the
	// chunk is eventually committed.
	pending := make([]wire.PathStep, len(steps)-split)
	copy(pending, steps[split:])
	var base uint32
	if split > 0 {
		base = steps[split-1].At
	}
	for i := range pending {
		pending[i].At -= base
	}
	return Plan{Committed: steps[:split], Pending: pending}
}

// NextChunk re-examines a pending suffix. When the suffix's first edge
// is currently open (or is a mark edge the player now satisfies), it
// returns the newly committable steps up to the next closed puzzle gate
// and the remaining suffix.
func (m *Manifold) NextChunk(pending []wire.PathStep, marks Marks, gates map[uint32]bool) (commit, rest []wire.PathStep) {
	if len(pending) == 0 {
		return nil, nil
	}
	split := -1
	for i, step := range pending {
		e := m.edgeByID(step.Edge)
		if e == nil {
			return nil, nil
		}
		if !traversable(e, marks) {
			split = i
			break
		}
		if puzzleGated(e) && !gates[e.Gate.ID] {
			split = i
			break
		}
	}
	if split == 0 {
		return nil, pending
	}
	if split < 0 {
		return pending, nil
	}
	commit = pending[:split]
	rest = make([]wire.PathStep, len(pending)-split)
	copy(rest, pending[split:])
	base := commit[len(commit)-1].At
	for i := range rest {
		rest[i].At -= base
	}
	return commit, rest
}

func (m *Manifold) edgeByID(id uint64) *Edge {
	// edges are sorted by id
	lo, hi := 0, len(m.edges)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.edges[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(m.edges) && m.edges[lo].ID == id {
		return &m.edges[lo]
	}
	return nil
}
