// Package node wires the seeder to a libp2p host.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacedatanetwork/sdn-seeder/internal/bootstrap"
	"github.com/spacedatanetwork/sdn-seeder/internal/config"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/events"
	"github.com/spacedatanetwork/sdn-seeder/internal/firewall"
	"github.com/spacedatanetwork/sdn-seeder/internal/metrics"
	"github.com/spacedatanetwork/sdn-seeder/internal/reconcile"
	"github.com/spacedatanetwork/sdn-seeder/internal/replicator"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeds"
	"github.com/spacedatanetwork/sdn-seeder/internal/status"
	"github.com/spacedatanetwork/sdn-seeder/internal/swarm"
)

var log = logging.Logger("sdn-node")

const (
	// DHTProtocolPrefix scopes the seeder DHT away from the public one.
	DHTProtocolPrefix = "/sdn-seeder"

	// MDNSServiceName is advertised on the local network.
	MDNSServiceName = "sdn-seeder-mdns"

	identityKeyName = "sdn-seeder-node"
)

// Node is a running seeder.
type Node struct {
	config *config.Config

	host     host.Host
	dht      *dht.IpfsDHT
	pubsub   *pubsub.PubSub
	bus      event.Bus
	firewall *firewall.Firewall
	store    *corestore.Store
	swarm    *swarm.Swarm
	repl     *replicator.Replicator
	seeder   *seeder.Seeder
	engine   *reconcile.Engine
	registry *prometheus.Registry

	unwatch func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node from cfg. Nothing is tracked until Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		bus:    events.NewBus(),
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		n.closeInit()
		return nil, err
	}

	return n, nil
}

func (n *Node) init() error {
	var err error
	n.store, err = corestore.Open(n.config.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	privKey, err := Identity(n.config, n.store)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Network.Listen))
	for _, addr := range n.config.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	lowWater := 100
	if n.config.Network.MaxConns < lowWater {
		lowWater = n.config.Network.MaxConns / 2
	}
	connMgr, err := connmgr.NewConnManager(lowWater, n.config.Network.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	n.firewall = firewall.New(n.bus)

	var dhtRouting *dht.IpfsDHT
	n.host, err = libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(n.firewall),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix(DHTProtocolPrefix),
			)
			return dhtRouting, err
		}),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.dht = dhtRouting

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	n.swarm = swarm.New(n.host, n.dht, swarm.Options{})
	n.repl = replicator.New(n.host, n.store, replicator.Options{})

	network := NewNetwork(n.swarm, n.repl, n.pubsub, n.store, 0)
	n.seeder = seeder.New(n.store, network, seeder.Options{
		Backup: n.config.Network.Backup,
		Bus:    n.bus,
	})

	log.Infof("Node identity: %s", n.host.ID())
	return nil
}

// closeInit releases whatever init managed to open.
func (n *Node) closeInit() {
	if n.seeder != nil {
		n.seeder.Destroy()
	} else if n.store != nil {
		n.store.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
}

// Identity returns the node key: network.secret_key when set, otherwise a
// key pair derived from the store so restarts keep the same peer ID.
func Identity(cfg *config.Config, store *corestore.Store) (crypto.PrivKey, error) {
	seed, err := cfg.SecretSeed()
	if err != nil {
		return nil, err
	}
	if seed != nil {
		log.Infof("Using configured node identity")
		return crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
	}
	return store.CreateKeyPair(identityKeyName)
}

// Start connects to the network and tracks the configured seeds.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	pinned := bootstrap.Pinned(n.config.Network.Bootstrap)
	if len(pinned) < len(n.config.Network.Bootstrap) {
		log.Warnf("Skipping %d bootstrap addresses without peer IDs", len(n.config.Network.Bootstrap)-len(pinned))
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		bootstrap.Connect(n.ctx, n.host, pinned)
	}()

	n.repl.Start()
	n.unwatch = n.swarm.OnConnection(n.repl.PeerConnected)

	if n.config.Network.MDNS {
		n.wg.Add(1)
		go n.runMDNS()
	}

	if addr := n.config.Metrics.Listen; addr != "" {
		n.registry = metrics.NewRegistry(n.seeder)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := metrics.Serve(n.ctx, addr, n.registry); err != nil {
				log.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	list, err := seeds.Load(seeds.Sources{
		File:    n.config.Seeder.SeedsFile,
		List:    n.config.Seeder.List,
		Cores:   n.config.Seeder.Cores,
		Bees:    n.config.Seeder.Bees,
		Drives:  n.config.Seeder.Drives,
		Seeders: n.config.Seeder.Seeders,
	})
	if err != nil {
		return err
	}

	for _, s := range list {
		if _, err := n.seeder.Add(ctx, s.Key, seeder.Descriptor{Type: s.Type}); err != nil {
			if errors.Is(err, seeder.ErrDuplicateResource) {
				log.Warnf("Skipping duplicate seed %s", s.Key)
				continue
			}
			return fmt.Errorf("failed to add %s %s: %w", s.Type, s.Key, err)
		}
	}

	if l := n.seeder.List(); l != nil {
		if n.config.Seeder.DryRun {
			log.Infof("Dry run: list %s is tracked but not reconciled", l.Key)
		} else {
			n.engine = reconcile.New(n.seeder, l, n.firewall, n.bus)
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				if err := n.engine.Run(n.ctx); err != nil && n.ctx.Err() == nil {
					log.Errorf("Reconciliation stopped: %v", err)
				}
			}()
		}
	}

	log.Infof("Seeding %d resources", len(n.seeder.Filter(nil)))
	return nil
}

// mdnsNotifee connects to peers found on the local network.
type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}
	if err := m.host.Connect(m.ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
	} else {
		log.Debugf("Connected to mDNS peer: %s", pi.ID)
	}
}

func (n *Node) runMDNS() {
	defer n.wg.Done()

	service := mdns.NewMdnsService(n.host, MDNSServiceName, &mdnsNotifee{host: n.host, ctx: n.ctx})
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS service: %v", err)
		return
	}
	defer service.Close()

	<-n.ctx.Done()
}

// Status returns a display over the tracked resources.
func (n *Node) Status(out io.Writer, clear bool) *status.Display {
	return status.New(out, n.seeder, status.Options{
		Node:  n.nodeInfo,
		Clear: clear,
	})
}

func (n *Node) nodeInfo() status.NodeInfo {
	info := status.NodeInfo{
		PeerID:      n.host.ID().String(),
		Connections: n.swarm.Connections(),
		Topics:      n.swarm.Topics(),
	}
	for _, a := range n.host.Addrs() {
		info.Addrs = append(info.Addrs, a.String())
	}
	return info
}

// Stop tears down every resource, then the host.
func (n *Node) Stop() error {
	n.cancel()
	if n.unwatch != nil {
		n.unwatch()
	}
	// the reconciliation engine closes itself when n.ctx is done
	n.wg.Wait()

	err := n.seeder.Destroy()
	if err != nil {
		log.Warnf("Error destroying seeder: %v", err)
	}

	if err := n.dht.Close(); err != nil {
		log.Warnf("Error closing DHT: %v", err)
	}
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return err
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Seeder returns the resource tracker.
func (n *Node) Seeder() *seeder.Seeder {
	return n.seeder
}

// Firewall returns the connection gater.
func (n *Node) Firewall() *firewall.Firewall {
	return n.firewall
}

// Bus returns the event bus resource and peer events are emitted on.
func (n *Node) Bus() event.Bus {
	return n.bus
}
