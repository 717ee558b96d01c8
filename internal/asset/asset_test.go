package asset

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewDirStore() error: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte("template bytes")
	id, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if id != Hash(data) {
		t.Errorf("Put() id = %s, want %s", id, Hash(data))
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}

	ok, err := s.Exists(ctx, id)
	if err != nil || !ok {
		t.Errorf("Exists() = %v, %v, want true", ok, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	id := Hash([]byte("never stored"))
	if _, err := s.Get(context.Background(), id); !errors.Is(err, ErrMissing) {
		t.Errorf("Get() error = %v, want ErrMissing", err)
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("same blob")
	id1, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	id2, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}
}

func TestCheckID(t *testing.T) {
	data := []byte("blob")
	if err := CheckID(Hash(data), data); err != nil {
		t.Errorf("CheckID() error: %v", err)
	}
	if err := CheckID(Hash([]byte("other")), data); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("CheckID() error = %v, want ErrHashMismatch", err)
	}
}

func TestValidID(t *testing.T) {
	if !ValidID(Hash([]byte("x"))) {
		t.Error("real hash should be valid")
	}
	for _, id := range []string{"", "abc", "../../../etc/passwd", Hash([]byte("x"))[:63] + "G"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestUnreferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keep, _ := s.Put(ctx, []byte("keep"))
	drop, _ := s.Put(ctx, []byte("drop"))

	ids, err := s.Unreferenced(ctx, map[string]bool{keep: true})
	if err != nil {
		t.Fatalf("Unreferenced() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != drop {
		t.Errorf("Unreferenced() = %v, want [%s]", ids, drop)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	id, data, err := EncodeEnvelope("realm", []string{"base", "proximity"}, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	if id != Hash(data) {
		t.Errorf("envelope id = %s, want %s", id, Hash(data))
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if env.Kind != "realm" || len(env.Capabilities) != 2 || !bytes.Equal(env.Body, []byte{1, 2, 3}) {
		t.Errorf("envelope = %+v", env)
	}
}

// ── Resolver ───────────────────────────────────────────────────────

type fakeSwarm struct {
	blobs map[string][]byte
	bad   bool // serve corrupt bytes
	calls int
}

func (f *fakeSwarm) Pull(_ context.Context, id string) ([]byte, error) {
	f.calls++
	if f.bad {
		return []byte("corrupt"), nil
	}
	data, ok := f.blobs[id]
	if !ok {
		return nil, errors.New("no peer has it")
	}
	return data, nil
}

func newTestResolver(t *testing.T, swarm PullClient) *Resolver {
	t.Helper()
	r := NewResolver(newTestStore(t), swarm, zap.NewNop())
	r.Timeout = 50 * time.Millisecond
	return r
}

func TestResolveLocalHit(t *testing.T) {
	r := newTestResolver(t, &fakeSwarm{})
	ctx := context.Background()
	data := []byte("local")
	id, _ := r.Store.Put(ctx, data)

	got, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Resolve() = %q, want %q", got, data)
	}
}

func TestResolvePullsAndCaches(t *testing.T) {
	data := []byte("remote blob")
	id := Hash(data)
	swarm := &fakeSwarm{blobs: map[string][]byte{id: data}}
	r := newTestResolver(t, swarm)
	ctx := context.Background()

	got, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Resolve() = %q, want %q", got, data)
	}
	// Second resolve must not touch the swarm again.
	if _, err := r.Resolve(ctx, id); err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if swarm.calls != 1 {
		t.Errorf("swarm calls = %d, want 1", swarm.calls)
	}
}

func TestResolveRejectsCorruptBlob(t *testing.T) {
	id := Hash([]byte("wanted"))
	swarm := &fakeSwarm{bad: true}
	r := newTestResolver(t, swarm)

	_, err := r.Resolve(context.Background(), id)
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("Resolve() error = %v, want ErrUnresolved", err)
	}
	if swarm.calls != r.Attempts {
		t.Errorf("swarm calls = %d, want %d", swarm.calls, r.Attempts)
	}
	// The corrupt blob must never have been admitted.
	if ok, _ := r.Store.Exists(context.Background(), id); ok {
		t.Error("corrupt blob was inserted into the store")
	}
}

func TestResolveUnresolvedAfterRetries(t *testing.T) {
	r := newTestResolver(t, &fakeSwarm{})
	_, err := r.Resolve(context.Background(), Hash([]byte("nowhere")))
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("Resolve() error = %v, want ErrUnresolved", err)
	}
}

func TestCachedStore(t *testing.T) {
	backing := newTestStore(t)
	cached, err := NewCachedStore(backing, 8)
	if err != nil {
		t.Fatalf("NewCachedStore() error: %v", err)
	}
	ctx := context.Background()
	data := []byte("hot blob")
	id, err := cached.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := cached.Get(ctx, id)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if _, err := cached.Get(ctx, Hash([]byte("absent"))); !errors.Is(err, ErrMissing) {
		t.Errorf("Get(absent) error = %v, want ErrMissing", err)
	}
}
