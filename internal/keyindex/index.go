// Package keyindex implements an ordered key/value index stored in a core.
//
// The first block of the core is a header carrying opaque metadata; every
// later block is a put or delete operation. The in-memory view is rebuilt by
// replaying the log, so replicas converge as soon as blocks arrive.
package keyindex

import (
	"bytes"
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
)

var log = logging.Logger("sdn-keyindex")

// Entry is one key/value pair and the block that last wrote it.
type Entry struct {
	Seq   uint64
	Key   []byte
	Value []byte
}

// CASFunc decides whether next may replace prev.
type CASFunc func(prev, next Entry) bool

// PutOptions tune a single put.
type PutOptions struct {
	// CAS, when set, is consulted if the key already exists. Returning false
	// skips the write.
	CAS CASFunc
}

// Options configure Open.
type Options struct {
	// Metadata is written into the header when the index is created.
	Metadata []byte
}

// Index is an ordered key/value view over a core.
type Index struct {
	core *corestore.Core

	writeMu sync.Mutex

	mu        sync.RWMutex
	entries   map[string]Entry
	applied   uint64
	hasHeader bool
	metadata  []byte
	watchers  map[int]chan struct{}
	nextWatch int

	unregister func()
}

// Open replays core into a new index. A writable, empty core gets a header.
func Open(ctx context.Context, core *corestore.Core, opts Options) (*Index, error) {
	if err := core.Ready(ctx); err != nil {
		return nil, err
	}

	idx := &Index{
		core:     core,
		entries:  make(map[string]Entry),
		watchers: make(map[int]chan struct{}),
	}

	if core.Length() == 0 && core.Writable() {
		if _, err := core.Append(ctx, encodeHeader(opts.Metadata)); err != nil {
			return nil, err
		}
	}

	if err := idx.catchUp(ctx); err != nil {
		return nil, err
	}

	idx.unregister = core.OnAppend(func(uint64) {
		if err := idx.catchUp(context.Background()); err != nil {
			log.Warnf("Failed to apply blocks for %s: %v", core.ID(), err)
		}
	})
	return idx, nil
}

// Core returns the underlying core.
func (idx *Index) Core() *corestore.Core { return idx.core }

// Version is the number of blocks applied, and at least 1.
func (idx *Index) Version() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.applied == 0 {
		return 1
	}
	return idx.applied
}

// Metadata returns the header metadata once the header is available.
func (idx *Index) Metadata() ([]byte, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.metadata, idx.hasHeader
}

// Get returns the entry stored under key.
func (idx *Index) Get(key []byte) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[string(key)]
	return e, ok
}

// Put writes key. It reports whether a block was appended.
func (idx *Index) Put(ctx context.Context, key, value []byte, opts PutOptions) (bool, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if opts.CAS != nil {
		if prev, ok := idx.Get(key); ok {
			if !opts.CAS(prev, Entry{Key: key, Value: value}) {
				return false, nil
			}
		}
	}

	if _, err := idx.core.Append(ctx, encodeOp(opPut, key, value)); err != nil {
		return false, err
	}
	return true, idx.catchUp(ctx)
}

// Del removes key. Deleting an absent key writes nothing.
func (idx *Index) Del(ctx context.Context, key []byte) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if _, ok := idx.Get(key); !ok {
		return nil
	}
	if _, err := idx.core.Append(ctx, encodeOp(opDel, key, nil)); err != nil {
		return err
	}
	return idx.catchUp(ctx)
}

// Snapshot returns a consistent, ordered copy of the index.
func (idx *Index) Snapshot() *Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})

	version := idx.applied
	if version == 0 {
		version = 1
	}
	return &Snapshot{version: version, entries: entries}
}

// Watch returns a channel that receives after every applied change.
// Notifications coalesce; call cancel to stop watching.
func (idx *Index) Watch() (<-chan struct{}, func()) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := idx.nextWatch
	idx.nextWatch++
	ch := make(chan struct{}, 1)
	idx.watchers[id] = ch

	return ch, func() {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		delete(idx.watchers, id)
	}
}

// Close stops following the core and releases it.
func (idx *Index) Close() error {
	if idx.unregister != nil {
		idx.unregister()
	}
	return idx.core.Close()
}

// catchUp applies every block between the last applied one and the core
// length.
func (idx *Index) catchUp(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	length := idx.core.Length()
	changed := false
	for idx.applied < length {
		seq := idx.applied
		data, err := idx.core.Get(ctx, seq)
		if err != nil {
			return err
		}
		op, err := decodeBlock(data)
		if err != nil {
			return err
		}

		switch op.op {
		case opHeader:
			if seq == 0 {
				idx.metadata = op.value
				idx.hasHeader = true
			}
		case opPut:
			idx.entries[string(op.key)] = Entry{Seq: seq, Key: op.key, Value: op.value}
		case opDel:
			delete(idx.entries, string(op.key))
		}
		idx.applied++
		changed = true
	}

	if changed {
		for _, ch := range idx.watchers {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// Snapshot is an immutable, ordered view of an index.
type Snapshot struct {
	version uint64
	entries []Entry
}

// Version is the index version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Get returns the entry stored under key when the snapshot was taken.
func (s *Snapshot) Get(key []byte) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Key, key) >= 0
	})
	if i < len(s.entries) && bytes.Equal(s.entries[i].Key, key) {
		return s.entries[i], true
	}
	return Entry{}, false
}

// Range iterates entries whose key starts with prefix, in key order.
func (s *Snapshot) Range(prefix []byte) *Iterator {
	start := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Key, prefix) >= 0
	})
	end := start
	for end < len(s.entries) && bytes.HasPrefix(s.entries[end].Key, prefix) {
		end++
	}
	return &Iterator{entries: s.entries[start:end], pos: -1}
}

// Iterator walks a range of a snapshot.
type Iterator struct {
	entries []Entry
	pos     int
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry {
	return it.entries[it.pos]
}
