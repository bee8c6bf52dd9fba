package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/replicator"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeders"
	"github.com/spacedatanetwork/sdn-seeder/internal/swarm"
)

// providers is an in-memory provider table shared by every test router.
type providers struct {
	mu    sync.Mutex
	table map[cid.Cid][]peer.AddrInfo
}

type memRouter struct {
	providers *providers
	host      host.Host
}

func (r *memRouter) Provide(_ context.Context, c cid.Cid, _ bool) error {
	r.providers.mu.Lock()
	defer r.providers.mu.Unlock()
	for _, pi := range r.providers.table[c] {
		if pi.ID == r.host.ID() {
			return nil
		}
	}
	r.providers.table[c] = append(r.providers.table[c], peer.AddrInfo{ID: r.host.ID(), Addrs: r.host.Addrs()})
	return nil
}

func (r *memRouter) FindProvidersAsync(_ context.Context, c cid.Cid, _ int) <-chan peer.AddrInfo {
	r.providers.mu.Lock()
	found := append([]peer.AddrInfo(nil), r.providers.table[c]...)
	r.providers.mu.Unlock()

	out := make(chan peer.AddrInfo, len(found))
	for _, pi := range found {
		out <- pi
	}
	close(out)
	return out
}

type testNode struct {
	host    host.Host
	store   *corestore.Store
	network *Network
	seeder  *seeder.Seeder
}

func newTestNodes(t *testing.T, count int) []*testNode {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })
	table := &providers{table: make(map[cid.Cid][]peer.AddrInfo)}

	var nodes []*testNode
	for i := 0; i < count; i++ {
		h, err := mn.GenPeer()
		if err != nil {
			t.Fatalf("Failed to create peer: %v", err)
		}
		store, err := corestore.Open(t.TempDir())
		if err != nil {
			t.Fatalf("Failed to open store: %v", err)
		}
		ps, err := pubsub.NewGossipSub(context.Background(), h)
		if err != nil {
			t.Fatalf("Failed to create pubsub: %v", err)
		}

		sw := swarm.New(h, &memRouter{providers: table, host: h}, swarm.Options{Interval: time.Hour})
		repl := replicator.New(h, store, replicator.Options{Interval: time.Hour})
		repl.Start()
		sw.OnConnection(repl.PeerConnected)

		network := NewNetwork(sw, repl, ps, store, 100*time.Millisecond)
		s := seeder.New(store, network, seeder.Options{})
		t.Cleanup(func() { s.Destroy() })

		nodes = append(nodes, &testNode{host: h, store: store, network: network, seeder: s})
	}
	if err := mn.LinkAll(); err != nil {
		t.Fatalf("Failed to link peers: %v", err)
	}
	return nodes
}

func writableCore(t *testing.T, store *corestore.Store, name string, blocks int) *corestore.Core {
	t.Helper()
	ctx := context.Background()
	c, err := store.GetNamed(name)
	if err != nil {
		t.Fatalf("Failed to create core: %v", err)
	}
	if err := c.Ready(ctx); err != nil {
		t.Fatalf("Failed to ready core: %v", err)
	}
	for i := 0; i < blocks; i++ {
		if _, err := c.Append(ctx, []byte(fmt.Sprintf("%s-%d", name, i))); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	return c
}

func TestSeederReplicatesOverNetwork(t *testing.T) {
	nodes := newTestNodes(t, 2)
	src, dst := nodes[0], nodes[1]
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	core := writableCore(t, src.store, "feed", 3)
	if _, err := src.seeder.Add(ctx, core.ID(), seeder.Descriptor{Type: seeder.TypeCore}); err != nil {
		t.Fatalf("Failed to add on source: %v", err)
	}
	if err := src.network.Flush(ctx); err != nil {
		t.Fatalf("Source flush failed: %v", err)
	}

	r, err := dst.seeder.Add(ctx, core.ID(), seeder.Descriptor{Type: seeder.TypeCore})
	if err != nil {
		t.Fatalf("Failed to add on replica: %v", err)
	}

	replica := r.Cores()[0]
	for replica.Length() < 3 && ctx.Err() == nil {
		time.Sleep(20 * time.Millisecond)
	}
	if replica.Length() != 3 {
		t.Fatalf("replica length = %d, want 3", replica.Length())
	}

	data, err := replica.Get(ctx, 1)
	if err != nil || string(data) != "feed-1" {
		t.Errorf("block 1 = %q, %v", data, err)
	}
	if r.Blocks.Down.Total() != 3 {
		t.Errorf("downloaded blocks = %d, want 3", r.Blocks.Down.Total())
	}
}

func TestSeedReportsLocalLength(t *testing.T) {
	n := newTestNodes(t, 1)[0]
	ctx := context.Background()

	core := writableCore(t, n.store, "feed", 4)
	keyPair, err := n.store.CreateKeyPair("seeders@feed")
	if err != nil {
		t.Fatalf("Failed to create key pair: %v", err)
	}

	sw, err := n.network.Seed(ctx, core.Key(), keyPair)
	if err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	rec, ok := sw.(interface{ Record() seeders.Record })
	if !ok {
		t.Fatal("seeding swarm should report a record")
	}
	if got := rec.Record(); got.Length != 4 || len(got.Seeds) != 1 {
		t.Errorf("record = %+v, want length 4 and one seed", got)
	}

	if err := sw.Destroy(); err != nil {
		t.Fatalf("Failed to destroy seeding swarm: %v", err)
	}
	if core.Closed() {
		t.Error("destroying the seeding swarm should leave other sessions open")
	}

	again, err := n.network.Seed(ctx, core.Key(), keyPair)
	if err != nil {
		t.Fatalf("Failed to seed again: %v", err)
	}
	again.Destroy()
}

func TestJoinAfterDestroy(t *testing.T) {
	n := newTestNodes(t, 1)[0]

	if err := n.network.Destroy(); err != nil {
		t.Fatalf("Failed to destroy network: %v", err)
	}

	d := n.network.Join(make([]byte, 32), seeder.JoinOptions{Client: true})
	if d == nil {
		t.Fatal("Join should always return a handle")
	}
	if err := d.Destroy(); err != nil {
		t.Errorf("destroying a failed join = %v, want nil", err)
	}
	if err := n.network.Flush(context.Background()); err != swarm.ErrClosed {
		t.Errorf("Flush after destroy = %v, want ErrClosed", err)
	}
}
