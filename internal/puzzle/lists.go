package puzzle

import (
	"encoding/binary"
	"fmt"

	"github.com/spadina/server/internal/wire"
	"golang.org/x/crypto/sha3"
)

func init() {
	register(&KindInfo{Name: "Index", New: newIndex})
	register(&KindInfo{Name: "IndexList", New: newIndexList})
	register(&KindInfo{Name: "Buffer", New: newBuffer})
	register(&KindInfo{Name: "Permutation", New: newPermutation})
	register(&KindInfo{Name: "Sink", New: newSink})
	register(&KindInfo{Name: "RealmSelector", New: newRealmSelector})
}

// ── Index ──────────────────────────────────────────────────────────

// Index extracts one element of an integer list; out-of-range reads
// yield zero.
type Index struct {
	index int32
	out   int32
}

type indexState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Out      int32
}

func newIndex(s Settings) (Piece, error) {
	idx, err := s.RequireInt("index")
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, fmt.Errorf("index: negative index %d", idx)
	}
	return &Index{index: idx}, nil
}

func (p *Index) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindIntList, true
	}
	return 0, false
}

func (p *Index) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (p *Index) Accept(cmd string, v wire.Value, _ *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	var out int32
	if int(p.index) < len(v.Ints) {
		out = v.Ints[p.index]
	}
	if out == p.out {
		return nil
	}
	p.out = out
	return []Event{{Name: EventChanged, Value: wire.Int(out)}}
}

func (p *Index) Tick(*Context) []Event  { return nil }
func (p *Index) Prime(*Context) []Event { return nil }

func (p *Index) Snapshot() ([]byte, error) {
	return wire.Marshal(&indexState{Out: p.out})
}

func (p *Index) Restore(data []byte) error {
	var st indexState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	p.out = st.Out
	return nil
}

// ── IndexList ──────────────────────────────────────────────────────

// IndexList projects several elements of an integer list.
type IndexList struct {
	indices []int32
	out     []int32
}

type indexListState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Out      []int32
}

func newIndexList(s Settings) (Piece, error) {
	indices, err := s.IntList("indices")
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("index list: empty indices")
	}
	for _, i := range indices {
		if i < 0 {
			return nil, fmt.Errorf("index list: negative index %d", i)
		}
	}
	return &IndexList{indices: indices, out: make([]int32, len(indices))}, nil
}

func (p *IndexList) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindIntList, true
	}
	return 0, false
}

func (p *IndexList) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindIntList, true
	}
	return 0, false
}

func (p *IndexList) Accept(cmd string, v wire.Value, _ *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	out := make([]int32, len(p.indices))
	for i, idx := range p.indices {
		if int(idx) < len(v.Ints) {
			out[i] = v.Ints[idx]
		}
	}
	same := true
	for i := range out {
		if out[i] != p.out[i] {
			same = false
			break
		}
	}
	if same {
		return nil
	}
	p.out = out
	return []Event{{Name: EventChanged, Value: wire.Ints(out)}}
}

func (p *IndexList) Tick(*Context) []Event  { return nil }
func (p *IndexList) Prime(*Context) []Event { return nil }

func (p *IndexList) Snapshot() ([]byte, error) {
	return wire.Marshal(&indexListState{Out: p.out})
}

func (p *IndexList) Restore(data []byte) error {
	var st indexListState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Out) == len(p.indices) {
		p.out = st.Out
	}
	return nil
}

// ── Buffer ─────────────────────────────────────────────────────────

// Buffer is a fixed-capacity FIFO of integers. Insert into a full
// buffer evicts the oldest element.
type Buffer struct {
	capacity int32
	items    []int32
}

type bufferState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Items    []int32
}

func newBuffer(s Settings) (Piece, error) {
	capacity, err := s.RequireInt("capacity")
	if err != nil {
		return nil, err
	}
	if capacity < 1 {
		return nil, fmt.Errorf("buffer: capacity %d < 1", capacity)
	}
	return &Buffer{capacity: capacity}, nil
}

func (b *Buffer) CommandType(cmd string) (wire.ValueKind, bool) {
	switch cmd {
	case "Insert":
		return wire.KindInt, true
	case "Clear":
		return wire.KindEmpty, true
	}
	return 0, false
}

func (b *Buffer) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindIntList, true
	}
	return 0, false
}

func (b *Buffer) Accept(cmd string, v wire.Value, _ *Context) []Event {
	switch cmd {
	case "Insert":
		if int32(len(b.items)) == b.capacity {
			b.items = b.items[1:]
		}
		b.items = append(b.items, v.Int)
	case "Clear":
		if len(b.items) == 0 {
			return nil
		}
		b.items = nil
	default:
		return nil
	}
	out := make([]int32, len(b.items))
	copy(out, b.items)
	return []Event{{Name: EventChanged, Value: wire.Ints(out)}}
}

func (b *Buffer) Tick(*Context) []Event  { return nil }
func (b *Buffer) Prime(*Context) []Event { return nil }

func (b *Buffer) Snapshot() ([]byte, error) {
	return wire.Marshal(&bufferState{Items: b.items})
}

func (b *Buffer) Restore(data []byte) error {
	var st bufferState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	if int32(len(st.Items)) > b.capacity {
		st.Items = st.Items[:b.capacity]
	}
	b.items = st.Items
	return nil
}

// ── Permutation ────────────────────────────────────────────────────

// Permutation deals a pseudo-random permutation of [0, N) on every
// Set. The shuffle is keyed by (realm seed, piece id, reseed counter)
// through SHAKE-256, so every server replaying the same journal deals
// the same order.
type Permutation struct {
	max     int32
	reseeds uint32
	out     []int32
}

type permutationState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Reseeds  uint32
	Out      []int32
}

func newPermutation(s Settings) (Piece, error) {
	max, err := s.RequireInt("max")
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("permutation: max %d < 1", max)
	}
	return &Permutation{max: max}, nil
}

func (p *Permutation) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindInt, true
	}
	return 0, false
}

func (p *Permutation) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindIntList, true
	}
	return 0, false
}

func (p *Permutation) Accept(cmd string, v wire.Value, ctx *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	n := clamp(v.Int, p.max)
	p.reseeds++
	p.out = dealPermutation(ctx.RealmSeed, ctx.Piece, p.reseeds, n)
	out := make([]int32, len(p.out))
	copy(out, p.out)
	return []Event{{Name: EventChanged, Value: wire.Ints(out)}}
}

// dealPermutation runs a Fisher-Yates shuffle fed by a SHAKE-256
// stream over the seed triple. Rejection sampling keeps the draw
// unbiased without floating point.
func dealPermutation(seed int64, piece uint32, reseeds uint32, n int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	if n < 2 {
		return out
	}
	var key [16]byte
	binary.LittleEndian.PutUint64(key[0:8], uint64(seed))
	binary.LittleEndian.PutUint32(key[8:12], piece)
	binary.LittleEndian.PutUint32(key[12:16], reseeds)
	h := sha3.NewShake256()
	h.Write(key[:])

	draw := func(bound uint32) uint32 {
		limit := ^uint32(0) - ^uint32(0)%bound
		var b [4]byte
		for {
			h.Read(b[:])
			r := binary.LittleEndian.Uint32(b[:])
			if r < limit {
				return r % bound
			}
		}
	}
	for i := n - 1; i > 0; i-- {
		j := int32(draw(uint32(i + 1)))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (p *Permutation) Tick(*Context) []Event  { return nil }
func (p *Permutation) Prime(*Context) []Event { return nil }

func (p *Permutation) Snapshot() ([]byte, error) {
	return wire.Marshal(&permutationState{Reseeds: p.reseeds, Out: p.out})
}

func (p *Permutation) Restore(data []byte) error {
	var st permutationState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	p.reseeds, p.out = st.Reseeds, st.Out
	return nil
}

// ── Sink ───────────────────────────────────────────────────────────

// Sink relays a value of its declared type. Consequence rules bind to
// its Changed output to drive properties, gates, and marks.
type Sink struct {
	kind wire.ValueKind
	last wire.Value
	seen bool
}

type sinkState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Last     wire.Value
	Seen     bool
}

func newSink(s Settings) (Piece, error) {
	typ, err := s.String("type", "bool")
	if err != nil {
		return nil, err
	}
	var kind wire.ValueKind
	switch typ {
	case "empty":
		kind = wire.KindEmpty
	case "bool":
		kind = wire.KindBool
	case "int":
		kind = wire.KindInt
	case "link":
		kind = wire.KindLink
	case "list<bool>":
		kind = wire.KindBoolList
	case "list<int>":
		kind = wire.KindIntList
	case "list<link>":
		kind = wire.KindLinkList
	default:
		return nil, fmt.Errorf("sink: unknown type %q", typ)
	}
	return &Sink{kind: kind}, nil
}

func (s *Sink) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return s.kind, true
	}
	return 0, false
}

func (s *Sink) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return s.kind, true
	}
	return 0, false
}

func (s *Sink) Accept(cmd string, v wire.Value, _ *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	if s.seen && v.Equal(s.last) {
		return nil
	}
	s.last, s.seen = v, true
	return []Event{{Name: EventChanged, Value: v}}
}

func (s *Sink) Tick(*Context) []Event  { return nil }
func (s *Sink) Prime(*Context) []Event { return nil }

func (s *Sink) Snapshot() ([]byte, error) {
	return wire.Marshal(&sinkState{Last: s.last, Seen: s.seen})
}

func (s *Sink) Restore(data []byte) error {
	var st sinkState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	s.last, s.seen = st.Last, st.Seen
	return nil
}

// ── RealmSelector ──────────────────────────────────────────────────

// RealmSelector holds a travel link a player or puzzle can dial.
type RealmSelector struct {
	current wire.Link
}

type realmSelectorState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Current  wire.Link
}

func newRealmSelector(s Settings) (Piece, error) {
	def, err := s.Link("default", wire.Link{Kind: wire.LinkHome})
	if err != nil {
		return nil, err
	}
	return &RealmSelector{current: def}, nil
}

func (r *RealmSelector) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindLink, true
	}
	return 0, false
}

func (r *RealmSelector) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindLink, true
	}
	return 0, false
}

func (r *RealmSelector) Accept(cmd string, v wire.Value, _ *Context) []Event {
	if cmd != "Set" || v.Link == r.current {
		return nil
	}
	r.current = v.Link
	return []Event{{Name: EventChanged, Value: wire.ToLink(r.current)}}
}

func (r *RealmSelector) Tick(*Context) []Event  { return nil }
func (r *RealmSelector) Prime(*Context) []Event { return nil }

func (r *RealmSelector) Snapshot() ([]byte, error) {
	return wire.Marshal(&realmSelectorState{Current: r.current})
}

func (r *RealmSelector) Restore(data []byte) error {
	var st realmSelectorState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	r.current = st.Current
	return nil
}
