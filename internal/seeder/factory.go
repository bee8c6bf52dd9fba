package seeder

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/drive"
	"github.com/spacedatanetwork/sdn-seeder/internal/keyindex"
	"github.com/spacedatanetwork/sdn-seeder/internal/list"
)

// seedersKeyPrefix names the key pair a resource's seeding sub-swarm uses.
const seedersKeyPrefix = "sdn-seeder-swarm@"

// create builds the instance for r and starts discovery and, if asked,
// seeding. On error everything already started is torn down.
func (s *Seeder) create(ctx context.Context, publicKey []byte, r *Resource, seeders bool) (err error) {
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	switch r.Type {
	case TypeCore:
		err = s.createCore(ctx, publicKey, r)
	case TypeBee:
		err = s.createBee(ctx, publicKey, r)
	case TypeDrive:
		err = s.createDrive(ctx, publicKey, r)
	case TypeList:
		err = s.createList(ctx, publicKey, r)
	}
	if err != nil {
		return err
	}

	if seeders {
		return s.enableSeeders(ctx, r)
	}
	return nil
}

func (s *Seeder) openCore(ctx context.Context, publicKey []byte, r *Resource) (*corestore.Core, error) {
	core, err := s.store.Get(publicKey)
	if err != nil {
		return nil, &StorageOpenError{Key: r.Key, Type: r.Type, Err: err}
	}
	if err := core.Ready(ctx); err != nil {
		core.Close()
		return nil, &StorageOpenError{Key: r.Key, Type: r.Type, Err: err}
	}
	return core, nil
}

func (s *Seeder) createCore(ctx context.Context, publicKey []byte, r *Resource) error {
	core, err := s.openCore(ctx, publicKey, r)
	if err != nil {
		return err
	}
	r.Instance = core
	s.suitCore(r, core)
	return nil
}

func (s *Seeder) createBee(ctx context.Context, publicKey []byte, r *Resource) error {
	core, err := s.openCore(ctx, publicKey, r)
	if err != nil {
		return err
	}
	bee, err := keyindex.Open(ctx, core, keyindex.Options{})
	if err != nil {
		core.Close()
		return &StorageOpenError{Key: r.Key, Type: r.Type, Err: err}
	}
	r.Instance = bee
	s.suitCore(r, bee.Core())
	return nil
}

func (s *Seeder) createList(ctx context.Context, publicKey []byte, r *Resource) error {
	core, err := s.openCore(ctx, publicKey, r)
	if err != nil {
		return err
	}
	l, err := list.Open(ctx, core)
	if err != nil {
		core.Close()
		return &StorageOpenError{Key: r.Key, Type: r.Type, Err: err}
	}
	r.Instance = l

	if data, err := ReadListData(l.Snapshot()); err != nil {
		log.Warnf("List %s has undecodable metadata: %v", r.Key, err)
	} else {
		r.SetUserData(data)
	}

	s.suitCore(r, l.Core())
	return nil
}

func (s *Seeder) createDrive(ctx context.Context, publicKey []byte, r *Resource) error {
	core, err := s.openCore(ctx, publicKey, r)
	if err != nil {
		return err
	}
	d, err := drive.Open(ctx, s.store, core)
	if err != nil {
		core.Close()
		return &StorageOpenError{Key: r.Key, Type: r.Type, Err: err}
	}
	r.Instance = d

	s.suitCore(r, d.Core())
	d.WhenBlobs(func(blobs *corestore.Core) {
		s.suitCore(r, blobs)
	})
	return nil
}

// createSeeders opens the seeding sub-swarm with a key pair derived from the
// resource key, so restarts reuse the same identity.
func (s *Seeder) createSeeders(ctx context.Context, r *Resource) (SeedingSwarm, error) {
	publicKey, err := coreid.Decode(r.Key)
	if err != nil {
		return nil, err
	}
	keyPair, err := s.store.CreateKeyPair(seedersKeyPrefix + r.Key)
	if err != nil {
		return nil, err
	}
	return s.network.Seed(ctx, publicKey, keyPair)
}

// suitCore attaches the rate meters to core, joins its discovery topic and
// requests all of its blocks. It does nothing once r is closed, which
// covers drives whose blobs core shows up after removal.
func (s *Seeder) suitCore(r *Resource, core *corestore.Core) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.unregister = append(r.unregister,
		core.OnDownload(func(_ uint64, n int, _ peer.ID) {
			r.Blocks.Down.Record(1)
			r.Bytes.Down.Record(uint64(n))
		}),
		core.OnUpload(func(_ uint64, n int, _ peer.ID) {
			r.Blocks.Up.Record(1)
			r.Bytes.Up.Record(uint64(n))
		}),
	)
	r.cores = append(r.cores, core)

	opts := JoinOptions{Client: true, Server: !s.backup && !r.mirror}
	r.discovery = append(r.discovery, s.network.Join(core.DiscoveryKey(), opts))

	go func() {
		if err := s.network.Flush(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Debugf("Flush for %s: %v", r.Key, err)
		}
	}()

	core.Download()
}

// ReadListData reads the policy metadata of a list snapshot.
func ReadListData(snap *list.Snapshot) (ListData, error) {
	allowed, err := snap.AllowedPeers()
	if err != nil {
		return ListData{}, err
	}
	publicKey, err := snap.PublicKey()
	if err != nil {
		return ListData{}, err
	}
	return ListData{AllowedPeers: allowed, PublicKey: publicKey}, nil
}
