package seeder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/drive"
	"github.com/spacedatanetwork/sdn-seeder/internal/events"
	"github.com/spacedatanetwork/sdn-seeder/internal/keyindex"
)

type fakeNetwork struct {
	mu        sync.Mutex
	joins     []*fakeDiscovery
	seeds     []*fakeSeeders
	trace     []string
	failJoin  map[string]bool
	destroyed bool
}

type fakeDiscovery struct {
	net       *fakeNetwork
	key       []byte
	opts      JoinOptions
	destroyed bool
	fail      bool
}

func (d *fakeDiscovery) Destroy() error {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	d.destroyed = true
	d.net.trace = append(d.net.trace, "discovery")
	if d.fail {
		return errors.New("discovery destroy failed")
	}
	return nil
}

type fakeSeeders struct {
	net       *fakeNetwork
	key       []byte
	keyPair   crypto.PrivKey
	destroyed bool
}

func (s *fakeSeeders) Destroy() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.destroyed = true
	s.net.trace = append(s.net.trace, "seeders")
	return nil
}

func (n *fakeNetwork) Join(discoveryKey []byte, opts JoinOptions) Discovery {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := &fakeDiscovery{net: n, key: discoveryKey, opts: opts, fail: n.failJoin[hex.EncodeToString(discoveryKey)]}
	n.joins = append(n.joins, d)
	return d
}

func (n *fakeNetwork) Flush(ctx context.Context) error { return nil }

func (n *fakeNetwork) Seed(ctx context.Context, publicKey []byte, keyPair crypto.PrivKey) (SeedingSwarm, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSeeders{net: n, key: publicKey, keyPair: keyPair}
	n.seeds = append(n.seeds, s)
	return s, nil
}

func (n *fakeNetwork) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.destroyed = true
	return nil
}

func (n *fakeNetwork) activeJoins() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	active := 0
	for _, d := range n.joins {
		if !d.destroyed {
			active++
		}
	}
	return active
}

func newTestSeeder(t *testing.T, opts Options) (*Seeder, *fakeNetwork) {
	t.Helper()
	store, err := corestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	net := &fakeNetwork{failJoin: make(map[string]bool)}
	s := New(store, net, opts)
	t.Cleanup(func() { s.Destroy() })
	return s, net
}

func randomKey(t *testing.T) string {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	raw, _ := pub.Raw()
	return coreid.Encode(raw)
}

func TestAddDuplicateAndRemoveUnknown(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})
	key := randomKey(t)

	if _, err := s.Add(ctx, key, Descriptor{Type: TypeCore}); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if _, err := s.Add(ctx, key, Descriptor{Type: TypeCore}); !errors.Is(err, ErrDuplicateResource) {
		t.Errorf("second add error = %v, want ErrDuplicateResource", err)
	}

	if err := s.Remove(ctx, key); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if err := s.Remove(ctx, key); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("second remove error = %v, want ErrUnknownResource", err)
	}
	if _, err := s.Get(key); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Get after remove error = %v, want ErrUnknownResource", err)
	}
}

func TestDuplicateAcrossEncodings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})
	key := randomKey(t)
	raw, _ := coreid.Decode(key)

	s.Add(ctx, key, Descriptor{Type: TypeCore})
	if _, err := s.Add(ctx, hex.EncodeToString(raw), Descriptor{Type: TypeBee}); !errors.Is(err, ErrDuplicateResource) {
		t.Errorf("hex form of a tracked key error = %v, want ErrDuplicateResource", err)
	}
	if !s.Has(hex.EncodeToString(raw)) {
		t.Error("Has should normalize hex keys")
	}
}

func TestPutWhenAbsentMatchesAdd(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})
	d := Descriptor{Type: TypeCore, Seeders: true, Description: "x", External: true}

	a, err := s.Add(ctx, randomKey(t), d)
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	p, err := s.Put(ctx, randomKey(t), d)
	if err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if a.Type != p.Type || a.External != p.External || a.Description() != p.Description() {
		t.Errorf("put shape %+v differs from add shape %+v", p, a)
	}
	if (a.Seeders() == nil) != (p.Seeders() == nil) {
		t.Error("put and add should agree on seeding")
	}
	if len(a.Discovery()) != len(p.Discovery()) {
		t.Error("put and add should agree on discovery")
	}
	if len(net.seeds) != 2 {
		t.Errorf("seeding swarms = %d, want 2", len(net.seeds))
	}
}

func TestSeedingToggleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})
	key := randomKey(t)

	r, err := s.Add(ctx, key, Descriptor{Type: TypeCore, Seeders: true})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	first := r.Seeders()
	if first == nil {
		t.Fatal("seeding handle should be set")
	}

	r, _ = s.Put(ctx, key, Descriptor{Type: TypeCore, Seeders: false})
	if r.Seeders() != nil {
		t.Error("seeding handle should be cleared")
	}
	if !first.(*fakeSeeders).destroyed {
		t.Error("old seeding swarm should be destroyed")
	}

	r, _ = s.Put(ctx, key, Descriptor{Type: TypeCore, Seeders: true})
	second := r.Seeders()
	if second == nil {
		t.Fatal("seeding handle should be recreated")
	}
	if second == first {
		t.Error("re-enabled seeding should not reuse the old handle")
	}

	// same derived identity across recreation
	if !first.(*fakeSeeders).keyPair.Equals(second.(*fakeSeeders).keyPair) {
		t.Error("seeding key pair should be derived from the resource key")
	}
}

func TestPutPatchesDescription(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})
	key := randomKey(t)

	before, _ := s.Add(ctx, key, Descriptor{Type: TypeCore, Description: "old"})
	after, _ := s.Put(ctx, key, Descriptor{Type: TypeCore, Description: "new"})

	if before != after {
		t.Error("patching should keep the same resource")
	}
	if after.Description() != "new" {
		t.Errorf("description = %q, want new", after.Description())
	}
}

func TestPutKindChangeReplaces(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})
	key := randomKey(t)

	before, _ := s.Add(ctx, key, Descriptor{Type: TypeCore})
	after, err := s.Put(ctx, key, Descriptor{Type: TypeBee})
	if err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if after == before || after.Type != TypeBee {
		t.Fatalf("kind change should replace the resource, got %s", after.Type)
	}
	if !before.Closed() {
		t.Error("replaced resource should be closed")
	}
	if _, ok := after.Instance.(*keyindex.Index); !ok {
		t.Errorf("instance = %T, want *keyindex.Index", after.Instance)
	}
	if net.activeJoins() != 1 {
		t.Errorf("active joins = %d, want 1", net.activeJoins())
	}
}

func TestRemoveTeardownOrder(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})
	key := randomKey(t)

	r, _ := s.Add(ctx, key, Descriptor{Type: TypeCore, Seeders: true})
	core := r.Instance.(*corestore.Core)

	if err := s.Remove(ctx, key); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}

	if len(net.trace) != 2 || net.trace[0] != "seeders" || net.trace[1] != "discovery" {
		t.Errorf("teardown trace = %v, want [seeders discovery]", net.trace)
	}
	if !core.Closed() {
		t.Error("instance should be closed")
	}
	if s.Has(key) {
		t.Error("resource should no longer be tracked")
	}
}

func TestJoinOptions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		backup bool
		typ    string
		server bool
	}{
		{"core", false, TypeCore, true},
		{"backup", true, TypeCore, false},
		{"mirror", false, TypeSeeders, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, net := newTestSeeder(t, Options{Backup: tt.backup})
			if _, err := s.Add(ctx, randomKey(t), Descriptor{Type: tt.typ}); err != nil {
				t.Fatalf("Failed to add: %v", err)
			}
			if len(net.joins) == 0 {
				t.Fatal("no discovery join")
			}
			opts := net.joins[0].opts
			if !opts.Client || opts.Server != tt.server {
				t.Errorf("join options = %+v, want client and server=%v", opts, tt.server)
			}
		})
	}
}

func TestMirrorIsSeedingDrive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})

	r, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeSeeders})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if r.Type != TypeDrive || !r.Mirror() {
		t.Errorf("mirror tracked as %s (mirror=%v), want drive", r.Type, r.Mirror())
	}
	if r.Seeders() == nil {
		t.Error("mirror should always seed")
	}
	if _, ok := r.Instance.(*drive.Drive); !ok {
		t.Errorf("instance = %T, want *drive.Drive", r.Instance)
	}
}

func (n *fakeNetwork) activeServers() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []bool
	for _, d := range n.joins {
		if !d.destroyed {
			out = append(out, d.opts.Server)
		}
	}
	return out
}

func TestPutMirrorChangeReplaces(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})
	key := randomKey(t)

	plain, err := s.Put(ctx, key, Descriptor{Type: TypeDrive})
	if err != nil {
		t.Fatalf("Failed to add drive: %v", err)
	}

	mirror, err := s.Put(ctx, key, Descriptor{Type: TypeSeeders})
	if err != nil {
		t.Fatalf("Failed to put mirror: %v", err)
	}
	if mirror == plain || !plain.Closed() {
		t.Error("switching to a mirror should replace the drive")
	}
	if !mirror.Mirror() || mirror.Seeders() == nil {
		t.Errorf("replacement mirror=%v seeders=%v, want a seeding mirror", mirror.Mirror(), mirror.Seeders())
	}
	for _, server := range net.activeServers() {
		if server {
			t.Error("a mirror should not announce itself")
		}
	}

	back, err := s.Put(ctx, key, Descriptor{Type: TypeDrive})
	if err != nil {
		t.Fatalf("Failed to put drive: %v", err)
	}
	if back == mirror || back.Mirror() || back.Seeders() != nil {
		t.Errorf("switching back should give a plain drive, got mirror=%v", back.Mirror())
	}
	if servers := net.activeServers(); len(servers) == 0 || !servers[0] {
		t.Errorf("active joins server = %v, want announcing", servers)
	}

	// the same mirror again is a no-op
	again, err := s.Put(ctx, key, Descriptor{Type: TypeSeeders})
	if err != nil {
		t.Fatalf("Failed to put mirror: %v", err)
	}
	if same, _ := s.Put(ctx, key, Descriptor{Type: TypeSeeders}); same != again {
		t.Error("repeating a mirror put should keep the resource")
	}
}

func TestEnableSeedersTwice(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})

	r, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore, Seeders: true})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	sw := r.Seeders()

	if err := s.enableSeeders(ctx, r); !errors.Is(err, ErrSeedersAlreadyEnabled) {
		t.Errorf("second enable = %v, want ErrSeedersAlreadyEnabled", err)
	}
	if r.Seeders() != sw || len(net.seeds) != 1 {
		t.Error("a refused enable should keep the running swarm and open no other")
	}

	// an idempotent put is not a toggle
	if _, err := s.Put(ctx, r.Key, Descriptor{Type: TypeCore, Seeders: true}); err != nil {
		t.Errorf("repeated put with seeders = %v, want nil", err)
	}
}

func TestInvalidType(t *testing.T) {
	s, _ := newTestSeeder(t, Options{})
	for _, typ := range []string{"", "folder"} {
		if _, err := s.Add(context.Background(), randomKey(t), Descriptor{Type: typ}); !errors.Is(err, ErrInvalidType) {
			t.Errorf("Add type %q error = %v, want ErrInvalidType", typ, err)
		}
	}
	if len(s.Filter(nil)) != 0 {
		t.Error("failed adds should not register anything")
	}
}

func TestSingleList(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})

	if _, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeList}); err != nil {
		t.Fatalf("Failed to add list: %v", err)
	}
	if _, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeList}); !errors.Is(err, ErrListAlreadyTracked) {
		t.Errorf("second list error = %v, want ErrListAlreadyTracked", err)
	}

	r := s.List()
	if r == nil || r.List() == nil {
		t.Fatal("list resource should expose its list")
	}
	if ud := r.UserData(); ud == nil || ud.AllowedPeers != nil {
		t.Errorf("fresh list user data = %+v, want unrestricted", ud)
	}
}

func TestStorageOpenError(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})
	s.store.Close()

	_, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore, Seeders: true})
	var openErr *StorageOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %v, want *StorageOpenError", err)
	}
	if !errors.Is(err, corestore.ErrStoreClosed) {
		t.Errorf("StorageOpenError should wrap the cause, got %v", err)
	}
	if len(s.Filter(nil)) != 0 || len(net.joins) != 0 || len(net.seeds) != 0 {
		t.Error("failed add should leave nothing behind")
	}
}

func TestMetersFollowTransfers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})

	src, err := corestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer src.Close()
	w, _ := src.GetNamed("source")
	w.Ready(ctx)
	w.Append(ctx, []byte("hello"), []byte("world!"))

	r, err := s.Add(ctx, coreid.Encode(w.Key()), Descriptor{Type: TypeCore})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	core := r.Instance.(*corestore.Core)
	if !core.WantsAll() {
		t.Error("tracked cores should request a full download")
	}

	remote, _ := peer.Decode("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")
	for seq := uint64(0); seq < 2; seq++ {
		data, sig, _ := w.Block(ctx, seq)
		if err := core.PutVerified(ctx, seq, data, sig, remote); err != nil {
			t.Fatalf("Failed to put block: %v", err)
		}
	}
	core.Uploaded(0, 5, remote)

	if r.Blocks.Down.Total() != 2 || r.Bytes.Down.Total() != 11 {
		t.Errorf("down totals = %d blocks %d bytes, want 2 and 11", r.Blocks.Down.Total(), r.Bytes.Down.Total())
	}
	if r.Blocks.Up.Total() != 1 || r.Bytes.Up.Total() != 5 {
		t.Errorf("up totals = %d blocks %d bytes, want 1 and 5", r.Blocks.Up.Total(), r.Bytes.Up.Total())
	}
}

func TestDriveBlobsJoinLazily(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})

	src, err := corestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer src.Close()
	srcCore, _ := src.GetNamed("drive")
	d, err := drive.Open(ctx, src, srcCore)
	if err != nil {
		t.Fatalf("Failed to open drive: %v", err)
	}
	defer d.Close()

	r, err := s.Add(ctx, coreid.Encode(d.Core().Key()), Descriptor{Type: TypeDrive})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if net.activeJoins() != 1 {
		t.Fatalf("joins before blobs = %d, want 1", net.activeJoins())
	}

	replica := r.Instance.(*drive.Drive).Core()
	remote, _ := peer.Decode("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")
	data, sig, _ := d.Core().Block(ctx, 0)
	if err := replica.PutVerified(ctx, 0, data, sig, remote); err != nil {
		t.Fatalf("Failed to replicate header: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for net.activeJoins() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if net.activeJoins() != 2 {
		t.Fatalf("joins after blobs = %d, want 2", net.activeJoins())
	}
	if len(r.Cores()) != 2 {
		t.Errorf("cores = %d, want 2", len(r.Cores()))
	}

	s.Remove(ctx, r.Key)
	if net.activeJoins() != 0 {
		t.Errorf("joins after remove = %d, want 0", net.activeJoins())
	}
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSeeder(t, Options{})

	s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore, External: true})
	s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore})
	s.Add(ctx, randomKey(t), Descriptor{Type: TypeBee, External: true})

	external := s.Filter(func(r *Resource) bool { return r.External })
	if len(external) != 2 {
		t.Errorf("external resources = %d, want 2", len(external))
	}
	if len(s.Filter(nil)) != 3 {
		t.Errorf("all resources = %d, want 3", len(s.Filter(nil)))
	}
}

func TestConcurrentDestroy(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})

	for i := 0; i < 3; i++ {
		s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore, Seeders: i == 0})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Destroy()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("destroy %d error = %v", i, err)
		}
	}
	if len(s.Filter(nil)) != 0 {
		t.Error("destroy should remove every resource")
	}
	if net.activeJoins() != 0 {
		t.Errorf("active joins after destroy = %d", net.activeJoins())
	}
	if !net.destroyed {
		t.Error("network should be destroyed")
	}

	r, err := s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore})
	if r != nil || err != nil {
		t.Errorf("add after destroy = %v, %v; want nil, nil", r, err)
	}
}

func TestDestroyCollectsErrors(t *testing.T) {
	ctx := context.Background()
	s, net := newTestSeeder(t, Options{})

	bad := randomKey(t)
	raw, _ := coreid.Decode(bad)
	net.failJoin[hex.EncodeToString(coreid.DiscoveryKey(raw))] = true

	s.Add(ctx, bad, Descriptor{Type: TypeCore})
	good, _ := s.Add(ctx, randomKey(t), Descriptor{Type: TypeCore})

	if err := s.Destroy(); err == nil {
		t.Error("destroy should report the failed teardown")
	}
	if !good.Closed() {
		t.Error("one failing teardown must not stop the others")
	}
	if len(s.Filter(nil)) != 0 {
		t.Error("every resource should be removed")
	}
}

func TestEventsEmitted(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewBus()

	added, _ := bus.Subscribe(new(events.EvtResourceAdded), eventbus.BufSize(8))
	defer added.Close()
	removed, _ := bus.Subscribe(new(events.EvtResourceRemoved), eventbus.BufSize(8))
	defer removed.Close()
	toggled, _ := bus.Subscribe(new(events.EvtSeedingToggled), eventbus.BufSize(8))
	defer toggled.Close()

	s, _ := newTestSeeder(t, Options{Bus: bus})
	key := randomKey(t)

	s.Add(ctx, key, Descriptor{Type: TypeCore, External: true})
	s.Put(ctx, key, Descriptor{Type: TypeCore, Seeders: true})
	s.Remove(ctx, key)

	expect := func(name string, ch <-chan interface{}) interface{} {
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			t.Fatalf("no %s event", name)
			return nil
		}
	}

	if e := expect("added", added.Out()).(events.EvtResourceAdded); e.Key != key || !e.External {
		t.Errorf("added event = %+v", e)
	}
	if e := expect("toggled", toggled.Out()).(events.EvtSeedingToggled); !e.Enabled {
		t.Errorf("toggled event = %+v", e)
	}
	if e := expect("removed", removed.Out()).(events.EvtResourceRemoved); e.Key != key {
		t.Errorf("removed event = %+v", e)
	}
}
