package manifold

import (
	"testing"

	"github.com/spadina/server/internal/wire"
)

func pt(x, y uint32) wire.Point { return wire.Point{Surface: 0, X: x, Y: y} }

func gate(id uint32) *GateRef { return &GateRef{Kind: GatePuzzle, ID: id} }

func mark(bit uint32) *GateRef { return &GateRef{Kind: GateMark, ID: bit} }

// Line: (0,0) -1-> (1,0) -2-> (2,0) -3[gate 9]-> (3,0) -4-> (4,0)
func lineDef() *Def {
	return &Def{
		Edges: []Edge{
			{ID: 1, From: pt(0, 0), To: pt(1, 0), Duration: 100},
			{ID: 2, From: pt(1, 0), To: pt(2, 0), Duration: 100},
			{ID: 3, From: pt(2, 0), To: pt(3, 0), Duration: 100, Gate: gate(9)},
			{ID: 4, From: pt(3, 0), To: pt(4, 0), Duration: 100},
		},
		Spawns: []wire.Point{pt(0, 0)},
	}
}

func compile(t *testing.T, def *Def) *Manifold {
	t.Helper()
	m, err := Compile(def)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	return m
}

func TestPlanFreePath(t *testing.T) {
	m := compile(t, lineDef())
	plan := m.PlanPath(pt(0, 0), pt(2, 0), nil, nil)
	if len(plan.Committed) != 2 || len(plan.Pending) != 0 {
		t.Fatalf("plan = %d committed, %d pending, want 2/0", len(plan.Committed), len(plan.Pending))
	}
	if plan.Committed[0].Edge != 1 || plan.Committed[1].Edge != 2 {
		t.Errorf("committed edges = %d,%d", plan.Committed[0].Edge, plan.Committed[1].Edge)
	}
	if plan.Committed[0].At != 100 || plan.Committed[1].At != 200 {
		t.Errorf("timestamps = %d,%d, want 100,200", plan.Committed[0].At, plan.Committed[1].At)
	}
}

func TestPlanSplitsAtGate(t *testing.T) {
	m := compile(t, lineDef())
	plan := m.PlanPath(pt(0, 0), pt(4, 0), nil, map[uint32]bool{9: false})
	if len(plan.Committed) != 2 {
		t.Fatalf("committed = %d steps, want 2", len(plan.Committed))
	}
	for _, s := range plan.Committed {
		if s.Edge == 3 {
			t.Error("gated edge appeared in the committed prefix")
		}
	}
	if len(plan.Pending) != 2 || plan.Pending[0].Edge != 3 {
		t.Fatalf("pending = %+v, want first edge 3", plan.Pending)
	}
	if plan.Pending[0].At != 100 || plan.Pending[1].At != 200 {
		t.Errorf("pending timestamps = %d,%d, want rebased 100,200", plan.Pending[0].At, plan.Pending[1].At)
	}
}

// Even an open gate stays out of the committed prefix; the realm
// commits through it with NextChunk.
func TestOpenGateStillPending(t *testing.T) {
	m := compile(t, lineDef())
	plan := m.PlanPath(pt(0, 0), pt(4, 0), nil, map[uint32]bool{9: true})
	if len(plan.Pending) == 0 || plan.Pending[0].Edge != 3 {
		t.Fatalf("pending = %+v, want first edge 3", plan.Pending)
	}
	commit, rest := m.NextChunk(plan.Pending, nil, map[uint32]bool{9: true})
	if len(commit) != 2 || len(rest) != 0 {
		t.Errorf("NextChunk = %d committed, %d rest, want 2/0", len(commit), len(rest))
	}
}

func TestNextChunkClosedGate(t *testing.T) {
	m := compile(t, lineDef())
	plan := m.PlanPath(pt(0, 0), pt(4, 0), nil, nil)
	commit, rest := m.NextChunk(plan.Pending, nil, map[uint32]bool{9: false})
	if commit != nil || len(rest) != 2 {
		t.Errorf("NextChunk = %v, %v, want nil and untouched suffix", commit, rest)
	}
}

func TestDeterministicTieBreak(t *testing.T) {
	// Two equal-cost routes; the smaller edge ids must win.
	def := &Def{
		Edges: []Edge{
			{ID: 1, From: pt(0, 0), To: pt(1, 0), Duration: 100},
			{ID: 2, From: pt(1, 0), To: pt(2, 0), Duration: 100},
			{ID: 5, From: pt(0, 0), To: pt(1, 1), Duration: 100},
			{ID: 6, From: pt(1, 1), To: pt(2, 0), Duration: 100},
		},
		Spawns: []wire.Point{pt(0, 0)},
	}
	m := compile(t, def)
	for i := 0; i < 10; i++ {
		plan := m.PlanPath(pt(0, 0), pt(2, 0), nil, nil)
		if len(plan.Committed) != 2 || plan.Committed[0].Edge != 1 || plan.Committed[1].Edge != 2 {
			t.Fatalf("iteration %d: path = %+v, want edges 1,2", i, plan.Committed)
		}
	}
}

func TestMarkGatedEdge(t *testing.T) {
	def := &Def{
		Edges: []Edge{
			{ID: 1, From: pt(0, 0), To: pt(1, 0), Duration: 100, Gate: mark(2)},
		},
		Spawns: []wire.Point{pt(0, 0)},
	}
	m := compile(t, def)
	if plan := m.PlanPath(pt(0, 0), pt(1, 0), MarkSet{}, nil); len(plan.Committed)+len(plan.Pending) != 0 {
		t.Errorf("unmarked player found a path: %+v", plan)
	}
	plan := m.PlanPath(pt(0, 0), pt(1, 0), MarkSet{2: true}, nil)
	if len(plan.Committed) != 1 {
		t.Errorf("marked player plan = %+v, want one committed step", plan)
	}
}

func TestNoPath(t *testing.T) {
	m := compile(t, lineDef())
	if plan := m.PlanPath(pt(4, 0), pt(0, 0), nil, nil); len(plan.Committed)+len(plan.Pending) != 0 {
		t.Errorf("reverse walk on a directed line should fail, got %+v", plan)
	}
}

func TestCompileRejectsBadDefs(t *testing.T) {
	if _, err := Compile(&Def{Spawns: []wire.Point{pt(0, 0)}}); err == nil {
		t.Error("spawn off the graph should be rejected")
	}
	if _, err := Compile(&Def{
		Edges: []Edge{
			{ID: 1, From: pt(0, 0), To: pt(1, 0), Duration: 100},
			{ID: 1, From: pt(1, 0), To: pt(0, 0), Duration: 100},
		},
		Spawns: []wire.Point{pt(0, 0)},
	}); err == nil {
		t.Error("duplicate edge ids should be rejected")
	}
}

func TestOccupancy(t *testing.T) {
	def := lineDef()
	def.Areas = []Area{{ID: 7, Surface: 0, MinX: 0, MinY: 0, MaxX: 1, MaxY: 0}}
	m := compile(t, def)
	o := NewOccupancy(m)

	changed := o.Update(1, pt(0, 0))
	if len(changed) != 1 || changed[0] != 7 {
		t.Fatalf("Update() changed = %v, want [7]", changed)
	}
	o.Update(2, pt(1, 0))
	if got := o.Count(7); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if occ := o.Occupants(7); len(occ) != 2 || occ[0] != 1 || occ[1] != 2 {
		t.Errorf("Occupants() = %v, want [1 2]", occ)
	}

	if changed := o.Update(1, pt(4, 0)); len(changed) != 1 || changed[0] != 7 {
		t.Errorf("leaving the area should report it, got %v", changed)
	}
	if changed := o.Update(1, pt(3, 0)); len(changed) != 0 {
		t.Errorf("moving outside the area should not report it, got %v", changed)
	}
	if changed := o.Remove(2); len(changed) != 1 {
		t.Errorf("Remove() changed = %v, want [7]", changed)
	}
	if got := o.Count(7); got != 0 {
		t.Errorf("Count() after removals = %d, want 0", got)
	}
}
