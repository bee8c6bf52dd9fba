package keyindex

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
)

func openTestIndex(t *testing.T, name string, opts Options) (*corestore.Store, *Index) {
	t.Helper()
	s, err := corestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	core, err := s.GetNamed(name)
	if err != nil {
		t.Fatalf("Failed to get core: %v", err)
	}
	idx, err := Open(context.Background(), core, opts)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	return s, idx
}

func TestPutGetDel(t *testing.T) {
	ctx := context.Background()
	_, idx := openTestIndex(t, "kv", Options{})

	if v := idx.Version(); v != 1 {
		t.Errorf("fresh index version = %d, want 1", v)
	}

	if _, err := idx.Put(ctx, []byte("b"), []byte("2"), PutOptions{}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	idx.Put(ctx, []byte("a"), []byte("1"), PutOptions{})

	e, ok := idx.Get([]byte("b"))
	if !ok || string(e.Value) != "2" {
		t.Errorf("Get(b) = %q, %v", e.Value, ok)
	}
	if idx.Version() != 3 {
		t.Errorf("version = %d, want 3", idx.Version())
	}

	if err := idx.Del(ctx, []byte("b")); err != nil {
		t.Fatalf("Failed to del: %v", err)
	}
	if _, ok := idx.Get([]byte("b")); ok {
		t.Error("deleted key should be gone")
	}

	before := idx.Version()
	idx.Del(ctx, []byte("missing"))
	if idx.Version() != before {
		t.Error("deleting an absent key should not write")
	}
}

func TestPutCAS(t *testing.T) {
	ctx := context.Background()
	_, idx := openTestIndex(t, "cas", Options{})

	sameValue := func(prev, next Entry) bool { return !bytes.Equal(prev.Value, next.Value) }

	changed, _ := idx.Put(ctx, []byte("k"), []byte("v"), PutOptions{CAS: sameValue})
	if !changed {
		t.Error("first put should write")
	}
	version := idx.Version()

	changed, _ = idx.Put(ctx, []byte("k"), []byte("v"), PutOptions{CAS: sameValue})
	if changed || idx.Version() != version {
		t.Error("CAS rejecting the write should leave the version alone")
	}

	changed, _ = idx.Put(ctx, []byte("k"), []byte("w"), PutOptions{CAS: sameValue})
	if !changed || idx.Version() != version+1 {
		t.Error("CAS accepting the write should bump the version")
	}
}

func TestSnapshotRange(t *testing.T) {
	ctx := context.Background()
	_, idx := openTestIndex(t, "range", Options{})

	for _, k := range []string{"x/2", "y/1", "x/1", "x/3"} {
		idx.Put(ctx, []byte(k), []byte(k), PutOptions{})
	}

	snap := idx.Snapshot()
	idx.Put(ctx, []byte("x/0"), nil, PutOptions{})

	var keys []string
	it := snap.Range([]byte("x/"))
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}

	want := []string{"x/1", "x/2", "x/3"}
	if len(keys) != len(want) {
		t.Fatalf("range keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, keys[i], want[i])
		}
	}
	if snap.Version() != 5 {
		t.Errorf("snapshot version = %d, want 5", snap.Version())
	}
}

func TestMetadataAndReopen(t *testing.T) {
	ctx := context.Background()
	s, idx := openTestIndex(t, "meta", Options{Metadata: []byte("blobs")})
	idx.Put(ctx, []byte("k"), []byte("v"), PutOptions{})
	key := idx.Core().Key()
	idx.Close()

	core, err := s.Get(key)
	if err != nil {
		t.Fatalf("Failed to get core: %v", err)
	}
	reopened, err := Open(ctx, core, Options{Metadata: []byte("ignored")})
	if err != nil {
		t.Fatalf("Failed to reopen index: %v", err)
	}
	defer reopened.Close()

	md, ok := reopened.Metadata()
	if !ok || string(md) != "blobs" {
		t.Errorf("metadata = %q, %v; want %q", md, ok, "blobs")
	}
	if e, ok := reopened.Get([]byte("k")); !ok || string(e.Value) != "v" {
		t.Error("entries should survive reopen")
	}
}

func TestReplicaFollowsAppends(t *testing.T) {
	ctx := context.Background()
	_, src := openTestIndex(t, "src", Options{Metadata: []byte("m")})
	src.Put(ctx, []byte("a"), []byte("1"), PutOptions{})

	dst, err := corestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer dst.Close()

	replicaCore, _ := dst.Get(src.Core().Key())
	replica, err := Open(ctx, replicaCore, Options{})
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	defer replica.Close()

	if _, ok := replica.Metadata(); ok {
		t.Error("empty replica should not have a header")
	}

	changes, cancel := replica.Watch()
	defer cancel()

	from, _ := peer.Decode("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")
	for seq := uint64(0); seq < src.Core().Length(); seq++ {
		data, sig, _ := src.Core().Block(ctx, seq)
		if err := replicaCore.PutVerified(ctx, seq, data, sig, from); err != nil {
			t.Fatalf("Failed to replicate block %d: %v", seq, err)
		}
	}

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}

	if e, ok := replica.Get([]byte("a")); !ok || string(e.Value) != "1" {
		t.Error("replica should see replicated entry")
	}
	if md, ok := replica.Metadata(); !ok || string(md) != "m" {
		t.Errorf("replica metadata = %q, %v", md, ok)
	}
	if replica.Version() != src.Version() {
		t.Errorf("replica version = %d, want %d", replica.Version(), src.Version())
	}
}

func TestSnapshotGet(t *testing.T) {
	ctx := context.Background()
	_, idx := openTestIndex(t, "sget", Options{})
	idx.Put(ctx, []byte("a"), []byte("1"), PutOptions{})

	snap := idx.Snapshot()
	idx.Put(ctx, []byte("a"), []byte("2"), PutOptions{})

	if e, ok := snap.Get([]byte("a")); !ok || string(e.Value) != "1" {
		t.Errorf("snapshot Get(a) = %q, %v; want value at snapshot time", e.Value, ok)
	}
	if _, ok := snap.Get([]byte("b")); ok {
		t.Error("snapshot Get(b) should miss")
	}
}
