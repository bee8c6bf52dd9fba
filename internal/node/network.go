package node

import (
	"context"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/replicator"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeders"
	"github.com/spacedatanetwork/sdn-seeder/internal/swarm"
)

// Network joins the seeder to the swarm, the replicator and the seeding
// sub-swarms.
type Network struct {
	swarm    *swarm.Swarm
	repl     *replicator.Replicator
	pubsub   *pubsub.PubSub
	store    *corestore.Store
	interval time.Duration
}

var _ seeder.Network = (*Network)(nil)

// NewNetwork creates the network. interval is the seeders announcement
// period; zero uses the default.
func NewNetwork(sw *swarm.Swarm, repl *replicator.Replicator, ps *pubsub.PubSub, store *corestore.Store, interval time.Duration) *Network {
	return &Network{
		swarm:    sw,
		repl:     repl,
		pubsub:   ps,
		store:    store,
		interval: interval,
	}
}

// Join starts discovery on a topic. A topic that cannot be joined is logged
// and yields a handle that does nothing.
func (n *Network) Join(discoveryKey []byte, opts seeder.JoinOptions) seeder.Discovery {
	d, err := n.swarm.Join(discoveryKey, opts.Client, opts.Server)
	if err != nil {
		log.Warnf("Failed to join topic %x: %v", discoveryKey, err)
		return noDiscovery{}
	}
	return d
}

// Flush waits for the first round of every joined topic.
func (n *Network) Flush(ctx context.Context) error {
	return n.swarm.Flush(ctx)
}

// Seed opens the seeding sub-swarm of publicKey. The announced length is
// read from a session on the resource's core.
func (n *Network) Seed(ctx context.Context, publicKey []byte, keyPair crypto.PrivKey) (seeder.SeedingSwarm, error) {
	core, err := n.store.Get(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", coreid.Encode(publicKey), err)
	}
	if err := core.Ready(ctx); err != nil {
		core.Close()
		return nil, err
	}

	s, err := seeders.Open(ctx, seeders.Config{
		PubSub:   n.pubsub,
		Host:     n.swarm.Host(),
		Key:      publicKey,
		KeyPair:  keyPair,
		Length:   core.Length,
		Interval: n.interval,
	})
	if err != nil {
		core.Close()
		return nil, err
	}
	return &seeding{Seeders: s, core: core}, nil
}

// Destroy leaves every topic and stops replication. The host stays open.
func (n *Network) Destroy() error {
	return multierr.Combine(n.swarm.Destroy(), n.repl.Close())
}

// seeding releases its core session along with the sub-swarm.
type seeding struct {
	*seeders.Seeders
	core *corestore.Core
}

func (s *seeding) Destroy() error {
	return multierr.Append(s.Seeders.Destroy(), s.core.Close())
}

type noDiscovery struct{}

func (noDiscovery) Destroy() error { return nil }
