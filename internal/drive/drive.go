// Package drive implements a bundle of named files over two cores: a
// keyindex mapping paths to blob pointers, and a blobs core holding the file
// contents. The blobs key is carried in the index header, so a replica only
// learns it once the first block of the index has been downloaded.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-varint"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/keyindex"
)

var log = logging.Logger("sdn-drive")

// ErrNotFound is returned for paths that are not in the drive.
var ErrNotFound = errors.New("file not found")

// ErrNoBlobs is returned when file contents are requested before the blobs
// core is known.
var ErrNoBlobs = errors.New("blobs core not available")

var errBlobsMismatch = errors.New("blobs key does not match header")

// Drive is a bundle of files.
type Drive struct {
	store *corestore.Store
	index *keyindex.Index

	mu      sync.Mutex
	blobs   *corestore.Core
	pending []func(*corestore.Core)
	closed  bool

	cancelWatch func()
	stop        chan struct{}
	done        chan struct{}
}

// Open opens the drive whose primary core is core. A writable, empty core
// gets a fresh blobs core.
func Open(ctx context.Context, store *corestore.Store, core *corestore.Core) (*Drive, error) {
	if err := core.Ready(ctx); err != nil {
		return nil, err
	}

	var opts keyindex.Options
	var blobs *corestore.Core
	if core.Writable() && core.Length() == 0 {
		b, err := store.GetNamed("blobs@" + core.ID())
		if err != nil {
			return nil, fmt.Errorf("failed to create blobs core: %w", err)
		}
		if err := b.Ready(ctx); err != nil {
			b.Close()
			return nil, err
		}
		blobs = b
		opts.Metadata = b.Key()
	}

	index, err := keyindex.Open(ctx, core, opts)
	if err != nil {
		if blobs != nil {
			blobs.Close()
		}
		return nil, err
	}

	d := &Drive{
		store: store,
		index: index,
		blobs: blobs,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if blobs != nil || d.openBlobs(ctx) {
		close(d.done)
		return d, nil
	}

	changes, cancel := index.Watch()
	d.cancelWatch = cancel
	go d.waitBlobs(changes)
	return d, nil
}

// Core returns the primary core.
func (d *Drive) Core() *corestore.Core { return d.index.Core() }

// Blobs returns the blobs core, or nil if it is not known yet.
func (d *Drive) Blobs() *corestore.Core {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blobs
}

// WhenBlobs calls fn with the blobs core as soon as it is available: right
// away if it already is, otherwise exactly once when it appears. fn is never
// called after Close.
func (d *Drive) WhenBlobs(fn func(*corestore.Core)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.blobs != nil {
		blobs := d.blobs
		d.mu.Unlock()
		fn(blobs)
		return
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
}

// Put writes data under path.
func (d *Drive) Put(ctx context.Context, path string, data []byte) error {
	blobs := d.Blobs()
	if blobs == nil {
		return ErrNoBlobs
	}

	length, err := blobs.Append(ctx, data)
	if err != nil {
		return err
	}

	var ptr bytes.Buffer
	ptr.Write(varint.ToUvarint(length - 1))
	ptr.Write(varint.ToUvarint(uint64(len(data))))

	_, err = d.index.Put(ctx, []byte(path), ptr.Bytes(), keyindex.PutOptions{})
	return err
}

// Get reads the file at path.
func (d *Drive) Get(ctx context.Context, path string) ([]byte, error) {
	e, ok := d.index.Get([]byte(path))
	if !ok {
		return nil, ErrNotFound
	}
	blobs := d.Blobs()
	if blobs == nil {
		return nil, ErrNoBlobs
	}

	r := bytes.NewReader(e.Value)
	seq, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("bad blob pointer for %s: %w", path, err)
	}
	return blobs.Get(ctx, seq)
}

// List returns every path in the drive, in order.
func (d *Drive) List() []string {
	var paths []string
	it := d.index.Snapshot().Range(nil)
	for it.Next() {
		paths = append(paths, string(it.Entry().Key))
	}
	return paths
}

// Close releases both cores. The store stays open.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.pending = nil
	blobs := d.blobs
	d.mu.Unlock()

	close(d.stop)
	<-d.done

	if blobs != nil {
		blobs.Close()
	}
	return d.index.Close()
}

// openBlobs opens the blobs core if the header is known. It reports whether
// the drive no longer needs to wait.
func (d *Drive) openBlobs(ctx context.Context) bool {
	key, ok := d.index.Metadata()
	if !ok {
		return false
	}

	var blobs *corestore.Core
	var err error
	if d.Core().Writable() {
		blobs, err = d.store.GetNamed("blobs@" + d.Core().ID())
		if err == nil && !bytes.Equal(blobs.Key(), key) {
			blobs.Close()
			err = errBlobsMismatch
		}
	} else {
		blobs, err = d.store.Get(key)
	}
	if err == nil {
		if err = blobs.Ready(ctx); err != nil {
			blobs.Close()
		}
	}
	if err != nil {
		log.Warnf("Failed to open blobs core for drive %s: %v", d.Core().ID(), err)
		return true
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		blobs.Close()
		return true
	}
	d.blobs = blobs
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, fn := range pending {
		fn(blobs)
	}
	return true
}

func (d *Drive) waitBlobs(changes <-chan struct{}) {
	defer close(d.done)
	defer d.cancelWatch()

	for {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		if d.openBlobs(context.Background()) {
			return
		}

		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-d.stop:
			return
		}
	}
}
