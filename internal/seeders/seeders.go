// Package seeders runs the seeding sub-swarm of one resource.
//
// Every seeding node joins a GossipSub topic named after the resource key
// and periodically publishes an announcement signed with its per-resource
// seed key. Verified announcements are folded into a Record, and the
// announcing peers are dialed so replication can reach them.
package seeders

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
)

var log = logging.Logger("sdn-seeders")

// TopicPrefix prefixes every seeding topic.
const TopicPrefix = "/sdn-seeder/seeders/"

// DefaultInterval is the announcement period.
const DefaultInterval = 30 * time.Second

// Errors.
var (
	ErrInvalidAnnouncement = errors.New("invalid seeder announcement")
	ErrMissingConfig       = errors.New("seeders config requires pubsub, host, key and key pair")
)

const connectTimeout = 10 * time.Second

// Record is the current view of the sub-swarm.
type Record struct {
	// Seeds are the hex seed ids of every live seeder, this node included.
	Seeds []string `json:"seeds"`
	// Length is the longest resource length announced.
	Length uint64 `json:"length"`
}

// Config configures a sub-swarm.
type Config struct {
	PubSub *ps.PubSub
	Host   host.Host
	// Key is the resource public key.
	Key []byte
	// KeyPair signs this node's announcements.
	KeyPair crypto.PrivKey
	// Length reports the local length of the resource. May be nil.
	Length func() uint64
	// Interval between announcements. Defaults to DefaultInterval.
	Interval time.Duration
}

// announcement is the wire form published on the topic.
type announcement struct {
	Seed      []byte   `json:"seed"`
	Length    uint64   `json:"length"`
	Addrs     []string `json:"addrs,omitempty"`
	Signature []byte   `json:"signature"`
}

type seen struct {
	length uint64
	at     time.Time
}

// Seeders is a joined seeding sub-swarm.
type Seeders struct {
	cfg    Config
	seedID string
	topic  *ps.Topic
	sub    *ps.Subscription
	name   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.RWMutex
	seeds map[string]seen
}

// TopicName returns the topic for a resource key.
func TopicName(key []byte) string {
	return TopicPrefix + coreid.Encode(key)
}

// Open joins the sub-swarm for cfg.Key and starts announcing.
func Open(ctx context.Context, cfg Config) (*Seeders, error) {
	if cfg.PubSub == nil || cfg.Host == nil || cfg.KeyPair == nil || len(cfg.Key) != coreid.KeySize {
		return nil, ErrMissingConfig
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	seed, err := cfg.KeyPair.GetPublic().Raw()
	if err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}

	name := TopicName(cfg.Key)
	if err := cfg.PubSub.RegisterTopicValidator(name, validator(cfg.Key)); err != nil {
		return nil, fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	topic, err := cfg.PubSub.Join(name)
	if err != nil {
		cfg.PubSub.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		cfg.PubSub.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Seeders{
		cfg:    cfg,
		seedID: hex.EncodeToString(seed),
		topic:  topic,
		sub:    sub,
		name:   name,
		ctx:    sctx,
		cancel: cancel,
		seeds:  make(map[string]seen),
	}
	s.seeds[s.seedID] = seen{length: s.localLength(), at: time.Now()}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.announceLoop()

	log.Debugf("Seeding %s as %s", coreid.Encode(cfg.Key), s.seedID[:16])
	return s, nil
}

// SeedID returns the hex public key this node announces with.
func (s *Seeders) SeedID() string { return s.seedID }

// Topic returns the GossipSub topic name.
func (s *Seeders) Topic() string { return s.name }

// Record returns the seeders heard from within the last three intervals.
func (s *Seeders) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-3 * s.cfg.Interval)
	rec := Record{Seeds: make([]string, 0, len(s.seeds))}
	for id, v := range s.seeds {
		if id != s.seedID && v.at.Before(cutoff) {
			continue
		}
		rec.Seeds = append(rec.Seeds, id)
		if v.length > rec.Length {
			rec.Length = v.length
		}
	}
	if l := s.localLength(); l > rec.Length {
		rec.Length = l
	}
	sort.Strings(rec.Seeds)
	return rec
}

// Destroy leaves the topic.
func (s *Seeders) Destroy() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.wg.Wait()
		err = s.closeTopic()
		s.cfg.PubSub.UnregisterTopicValidator(s.name)
		log.Debugf("Stopped seeding %s", coreid.Encode(s.cfg.Key))
	})
	return err
}

// closeTopic retries while the cancelled subscription is still being
// released by the pubsub event loop.
func (s *Seeders) closeTopic() error {
	var err error
	for i := 0; i < 50; i++ {
		if err = s.topic.Close(); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("failed to leave topic %s: %w", s.name, err)
}

func (s *Seeders) localLength() uint64 {
	if s.cfg.Length == nil {
		return 0
	}
	return s.cfg.Length()
}

func (s *Seeders) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.announce(); err != nil && s.ctx.Err() == nil {
			log.Debugf("Announce on %s failed: %v", s.name, err)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Seeders) announce() error {
	seed, _ := s.cfg.KeyPair.GetPublic().Raw()
	a := announcement{Seed: seed, Length: s.localLength()}
	for _, addr := range s.cfg.Host.Addrs() {
		a.Addrs = append(a.Addrs, addr.String())
	}

	sig, err := s.cfg.KeyPair.Sign(signable(s.cfg.Key, a.Seed, a.Length))
	if err != nil {
		return fmt.Errorf("failed to sign announcement: %w", err)
	}
	a.Signature = sig

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seeds[s.seedID] = seen{length: a.Length, at: time.Now()}
	s.mu.Unlock()

	return s.topic.Publish(s.ctx, data)
}

func (s *Seeders) receiveLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warnf("Error receiving on %s: %v", s.name, err)
			continue
		}
		if msg.GetFrom() == s.cfg.Host.ID() {
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Seeders) handleMessage(msg *ps.Message) {
	// validator already checked the signature
	a, ok := msg.ValidatorData.(*announcement)
	if !ok {
		var err error
		if a, err = decode(s.cfg.Key, msg.Data); err != nil {
			log.Debugf("Dropping announcement from %s: %v", msg.GetFrom().ShortString(), err)
			return
		}
	}

	id := hex.EncodeToString(a.Seed)
	s.mu.Lock()
	s.seeds[id] = seen{length: a.Length, at: time.Now()}
	s.mu.Unlock()

	s.dial(msg.GetFrom(), a.Addrs)
}

// dial connects to an announcing seeder so replication can reach it.
func (s *Seeders) dial(p peer.ID, addrs []string) {
	h := s.cfg.Host
	if p == h.ID() || h.Network().Connectedness(p) == network.Connected {
		return
	}

	pi := peer.AddrInfo{ID: p}
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		pi.Addrs = append(pi.Addrs, ma)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
		defer cancel()
		if err := h.Connect(ctx, pi); err != nil {
			log.Debugf("Failed to connect to seeder %s: %v", p.ShortString(), err)
		}
	}()
}

func validator(key []byte) ps.ValidatorEx {
	return func(_ context.Context, _ peer.ID, msg *ps.Message) ps.ValidationResult {
		a, err := decode(key, msg.Data)
		if err != nil {
			return ps.ValidationReject
		}
		msg.ValidatorData = a
		return ps.ValidationAccept
	}
}

func decode(key, data []byte) (*announcement, error) {
	var a announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(a.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	ok, err := pub.Verify(signable(key, a.Seed, a.Length), a.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidAnnouncement)
	}
	return &a, nil
}

// signable is key | seed | uvarint(length).
func signable(key, seed []byte, length uint64) []byte {
	msg := make([]byte, 0, len(key)+len(seed)+varint.MaxLenUvarint63)
	msg = append(msg, key...)
	msg = append(msg, seed...)
	return append(msg, varint.ToUvarint(length)...)
}
