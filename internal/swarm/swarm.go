// Package swarm finds and connects peers per discovery topic.
//
// A topic is a core's discovery key. Servers announce themselves on the DHT
// under a CID derived from the key; clients look the CID up and connect to
// the providers. The key itself never leaves the node.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("sdn-swarm")

// Intervals and limits for topic rounds.
const (
	DefaultInterval     = 60 * time.Second
	DefaultMaxProviders = 20

	announceTimeout = 10 * time.Second
	lookupTimeout   = 30 * time.Second
	connectTimeout  = 10 * time.Second
)

// ErrClosed is returned once the swarm is destroyed.
var ErrClosed = errors.New("swarm is destroyed")

// Options configure a Swarm.
type Options struct {
	// Interval between announce and lookup rounds.
	Interval time.Duration
	// MaxProviders caps peers taken from one lookup.
	MaxProviders int
}

// Swarm manages discovery topics over a content router.
type Swarm struct {
	host   host.Host
	router routing.ContentRouting
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	topics  map[*Discovery]struct{}
	conns   map[int]func(peer.ID)
	nextID  int
	closed  bool
	notifee *network.NotifyBundle
}

// New creates a swarm on h using router for announcements and lookups.
func New(h host.Host, router routing.ContentRouting, opts Options) *Swarm {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxProviders <= 0 {
		opts.MaxProviders = DefaultMaxProviders
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Swarm{
		host:   h,
		router: router,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[*Discovery]struct{}),
		conns:  make(map[int]func(peer.ID)),
	}
	s.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			s.connected(c.RemotePeer())
		},
	}
	h.Network().Notify(s.notifee)
	return s
}

// Host returns the underlying libp2p host.
func (s *Swarm) Host() host.Host { return s.host }

// TopicCID maps a discovery key to the CID announced on the DHT.
func TopicCID(discoveryKey []byte) (cid.Cid, error) {
	h, err := mh.Sum(discoveryKey, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, h), nil
}

// Join starts discovery for discoveryKey. A server announces this node; a
// client looks for other announcers and connects to them.
func (s *Swarm) Join(discoveryKey []byte, client, server bool) (*Discovery, error) {
	c, err := TopicCID(discoveryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive topic: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	d := &Discovery{
		swarm:   s,
		key:     append([]byte(nil), discoveryKey...),
		cid:     c,
		client:  client,
		server:  server,
		ctx:     ctx,
		cancel:  cancel,
		flushed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.topics[d] = struct{}{}

	s.wg.Add(1)
	go d.run()

	log.Debugf("Joined topic %s (client=%t server=%t)", d.Topic(), client, server)
	return d, nil
}

// Flush waits until every joined topic finished its first round.
func (s *Swarm) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := make([]*Discovery, 0, len(s.topics))
	for d := range s.topics {
		pending = append(pending, d)
	}
	s.mu.Unlock()

	for _, d := range pending {
		select {
		case <-d.flushed:
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

// Topics returns the number of joined topics.
func (s *Swarm) Topics() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

// OnConnection registers fn for every new connection. Existing connections
// are reported immediately.
func (s *Swarm) OnConnection(fn func(peer.ID)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.conns[id] = fn
	s.mu.Unlock()

	for _, p := range s.host.Network().Peers() {
		fn(p)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.conns, id)
	}
}

// Connections returns the number of connected peers.
func (s *Swarm) Connections() int {
	return len(s.host.Network().Peers())
}

// Destroy leaves every topic. The host stays open.
func (s *Swarm) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.conns = make(map[int]func(peer.ID))
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.host.Network().StopNotify(s.notifee)
	return nil
}

func (s *Swarm) connected(p peer.ID) {
	s.mu.Lock()
	fns := make([]func(peer.ID), 0, len(s.conns))
	for _, fn := range s.conns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (s *Swarm) leave(d *Discovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, d)
}

// Discovery is one joined topic.
type Discovery struct {
	swarm  *Swarm
	key    []byte
	cid    cid.Cid
	client bool
	server bool

	ctx     context.Context
	cancel  context.CancelFunc
	flushed chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Topic returns the hex discovery key.
func (d *Discovery) Topic() string { return hex.EncodeToString(d.key) }

// CID returns the content id announced for the topic.
func (d *Discovery) CID() cid.Cid { return d.cid }

// Destroy leaves the topic and waits for its rounds to stop.
func (d *Discovery) Destroy() error {
	d.once.Do(func() {
		d.cancel()
		<-d.done
		d.swarm.leave(d)
		log.Debugf("Left topic %s", d.Topic())
	})
	return nil
}

func (d *Discovery) run() {
	defer d.swarm.wg.Done()
	defer close(d.done)

	d.round()
	close(d.flushed)

	ticker := time.NewTicker(d.swarm.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.round()
		}
	}
}

func (d *Discovery) round() {
	if d.server {
		d.announce()
	}
	if d.client {
		d.lookup()
	}
}

func (d *Discovery) announce() {
	ctx, cancel := context.WithTimeout(d.ctx, announceTimeout)
	defer cancel()

	if err := d.swarm.router.Provide(ctx, d.cid, true); err != nil {
		log.Debugf("Announce on %s failed: %v", d.Topic(), err)
	}
}

func (d *Discovery) lookup() {
	ctx, cancel := context.WithTimeout(d.ctx, lookupTimeout)
	defer cancel()

	h := d.swarm.host
	var wg sync.WaitGroup
	for pi := range d.swarm.router.FindProvidersAsync(ctx, d.cid, d.swarm.opts.MaxProviders) {
		if pi.ID == h.ID() || h.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			connectCtx, connectCancel := context.WithTimeout(d.ctx, connectTimeout)
			defer connectCancel()

			if err := h.Connect(connectCtx, pi); err != nil {
				log.Debugf("Failed to connect to %s on %s: %v", pi.ID, d.Topic(), err)
			} else {
				log.Debugf("Connected to %s on %s", pi.ID, d.Topic())
			}
		}(pi)
	}
	wg.Wait()
}
