// Package seeder tracks the resources a node seeds.
//
// Every mutation (Add, Put, Remove, Destroy) runs under one exclusive lock
// that is held across storage and network I/O, so mutations never
// interleave. Reads (Get, Has, Filter) do not take that lock and see the map
// either before or after an in-flight mutation. A stuck network join blocks
// every later mutation; there is no per-operation timeout.
package seeder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/events"
)

var log = logging.Logger("sdn-seeder")

// JoinOptions select the discovery roles for a topic.
type JoinOptions struct {
	// Client looks up peers announcing the topic.
	Client bool
	// Server announces this node on the topic.
	Server bool
}

// Discovery is an active join on a discovery topic.
type Discovery interface {
	Destroy() error
}

// SeedingSwarm is a seeding sub-swarm scoped to one resource.
type SeedingSwarm interface {
	Destroy() error
}

// Network is the transport the seeder announces resources on.
type Network interface {
	Join(discoveryKey []byte, opts JoinOptions) Discovery
	// Flush waits until every joined topic finished its first lookup.
	Flush(ctx context.Context) error
	// Seed opens a seeding sub-swarm for publicKey under keyPair.
	Seed(ctx context.Context, publicKey []byte, keyPair crypto.PrivKey) (SeedingSwarm, error)
	Destroy() error
}

// Options configure a Seeder.
type Options struct {
	// Backup joins discovery as a client only.
	Backup bool
	// Bus receives resource events. May be nil.
	Bus event.Bus
	// Clock drives the rate meters. Defaults to the wall clock.
	Clock clock.Clock
}

// Seeder is the set of tracked resources.
type Seeder struct {
	store   *corestore.Store
	network Network
	backup  bool
	clk     clock.Clock

	// ctx scopes background work started for resources.
	ctx    context.Context
	cancel context.CancelFunc

	lock *semaphore.Weighted

	mu        sync.RWMutex
	resources map[string]*Resource

	destroying  atomic.Bool
	destroyOnce sync.Once
	destroyErr  error

	added   events.Emitter
	removed events.Emitter
	toggled events.Emitter
}

// New creates a seeder that owns store and network.
func New(store *corestore.Store, network Network, opts Options) *Seeder {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Seeder{
		store:     store,
		network:   network,
		backup:    opts.Backup,
		clk:       clk,
		ctx:       ctx,
		cancel:    cancel,
		lock:      semaphore.NewWeighted(1),
		resources: make(map[string]*Resource),
		added:     events.NewEmitter(opts.Bus, new(events.EvtResourceAdded)),
		removed:   events.NewEmitter(opts.Bus, new(events.EvtResourceRemoved)),
		toggled:   events.NewEmitter(opts.Bus, new(events.EvtSeedingToggled)),
	}
}

// Store returns the core store.
func (s *Seeder) Store() *corestore.Store { return s.store }

// Add starts tracking key. It returns nil, nil once Destroy has begun.
func (s *Seeder) Add(ctx context.Context, key string, d Descriptor) (*Resource, error) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	return s.add(ctx, key, d)
}

// Put tracks key with descriptor d, adding it if absent. A type change
// replaces the resource; otherwise seeding is toggled in place and the
// description is replaced.
func (s *Seeder) Put(ctx context.Context, key string, d Descriptor) (*Resource, error) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	return s.put(ctx, key, d)
}

// Remove stops tracking key and tears its resource down.
func (s *Seeder) Remove(ctx context.Context, key string) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	return s.remove(key)
}

// Get returns the resource tracked under key.
func (s *Seeder) Get(key string) (*Resource, error) {
	id, err := coreid.Normalize(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return r, nil
}

// Has reports whether key is tracked.
func (s *Seeder) Has(key string) bool {
	id, err := coreid.Normalize(key)
	if err != nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[id]
	return ok
}

// Filter returns the tracked resources matching fn, ordered by key. A nil
// fn matches everything.
func (s *Seeder) Filter(fn func(*Resource) bool) []*Resource {
	s.mu.RLock()
	out := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if fn == nil || fn(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// List returns the tracked list resource, if any.
func (s *Seeder) List() *Resource {
	lists := s.Filter(func(r *Resource) bool { return r.Type == TypeList })
	if len(lists) == 0 {
		return nil
	}
	return lists[0]
}

// Destroy removes every resource, then releases the network and the store.
// It is idempotent; concurrent callers all wait for the first to finish.
// Adds issued after Destroy started are ignored.
func (s *Seeder) Destroy() error {
	s.destroyOnce.Do(func() {
		s.destroying.Store(true)
		s.destroyErr = s.destroy()
	})
	return s.destroyErr
}

func (s *Seeder) destroy() error {
	// Destroy must finish, so it waits for the lock without a deadline.
	s.lock.Acquire(context.Background(), 1)
	defer s.lock.Release(1)

	s.cancel()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for _, r := range s.Filter(nil) {
		wg.Add(1)
		go func(r *Resource) {
			defer wg.Done()
			if rerr := s.remove(r.Key); rerr != nil {
				mu.Lock()
				err = multierr.Append(err, rerr)
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	if s.network != nil {
		err = multierr.Append(err, s.network.Destroy())
	}
	err = multierr.Append(err, s.store.Close())

	s.added.Close()
	s.removed.Close()
	s.toggled.Close()

	if err != nil {
		log.Warnf("Seeder destroyed with errors: %v", err)
	} else {
		log.Infof("Seeder destroyed")
	}
	return err
}

func (s *Seeder) add(ctx context.Context, key string, d Descriptor) (*Resource, error) {
	if s.destroying.Load() {
		return nil, nil
	}

	publicKey, err := coreid.Decode(key)
	if err != nil {
		return nil, err
	}
	id := coreid.Encode(publicKey)
	if s.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, id)
	}

	typ, mirror, err := normalizeType(d.Type)
	if err != nil {
		return nil, err
	}
	if typ == TypeList && s.List() != nil {
		return nil, ErrListAlreadyTracked
	}

	r := newResource(id, typ, mirror, d, s.clk)
	if err := s.create(ctx, publicKey, r, d.Seeders || mirror); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.resources[id] = r
	s.mu.Unlock()

	log.Infof("Added %s %s", typ, id)
	s.added.Emit(events.EvtResourceAdded{
		Key:      id,
		Type:     typ,
		External: r.External,
		Seeders:  r.Seeders() != nil,
	})
	return r, nil
}

func (s *Seeder) put(ctx context.Context, key string, d Descriptor) (*Resource, error) {
	if s.destroying.Load() {
		return nil, nil
	}
	if !s.Has(key) {
		return s.add(ctx, key, d)
	}

	r, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	typ, mirror, err := normalizeType(d.Type)
	if err != nil {
		return nil, err
	}

	// a mirror joins discovery differently, so switching it is a kind change
	if r.Type != typ || r.mirror != mirror {
		if err := s.remove(r.Key); err != nil {
			return nil, err
		}
		return s.add(ctx, r.Key, d)
	}

	want := d.Seeders || mirror
	if have := r.Seeders() != nil; have != want {
		if want {
			if err := s.enableSeeders(ctx, r); err != nil {
				return nil, err
			}
		} else {
			sw := r.Seeders()
			r.setSeeders(nil)
			if err := sw.Destroy(); err != nil {
				log.Warnf("Failed to destroy seeders for %s: %v", r.Key, err)
			}
		}
		log.Infof("Seeding %s for %s", onOff(want), r.Key)
		s.toggled.Emit(events.EvtSeedingToggled{Key: r.Key, Enabled: want})
	}

	r.setDescription(d.Description)
	return r, nil
}

// enableSeeders opens and attaches the seeding sub-swarm. A resource that
// already seeds is an error: callers must only enable on a toggle.
func (s *Seeder) enableSeeders(ctx context.Context, r *Resource) error {
	if r.Seeders() != nil {
		return ErrSeedersAlreadyEnabled
	}
	sw, err := s.createSeeders(ctx, r)
	if err != nil {
		return err
	}
	if err := r.attachSeeders(sw); err != nil {
		sw.Destroy()
		return err
	}
	return nil
}

func (s *Seeder) remove(key string) error {
	r, err := s.Get(key)
	if err != nil {
		return err
	}

	err = r.close()

	s.mu.Lock()
	delete(s.resources, r.Key)
	s.mu.Unlock()

	if err != nil {
		log.Warnf("Removed %s %s with errors: %v", r.Type, r.Key, err)
	} else {
		log.Infof("Removed %s %s", r.Type, r.Key)
	}
	s.removed.Emit(events.EvtResourceRemoved{Key: r.Key, Type: r.Type})
	return err
}

// normalizeType maps a descriptor type to a tracked type. Mirrors are
// tracked as drives.
func normalizeType(t string) (typ string, mirror bool, err error) {
	switch t {
	case TypeCore, TypeBee, TypeDrive, TypeList:
		return t, false, nil
	case TypeSeeders:
		return TypeDrive, true, nil
	case "":
		return "", false, fmt.Errorf("%w: type is required", ErrInvalidType)
	default:
		return "", false, fmt.Errorf("%w: %s", ErrInvalidType, t)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
