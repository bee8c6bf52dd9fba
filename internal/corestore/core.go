package corestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-varint"
	"golang.org/x/crypto/blake2b"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
)

// SignatureSize is the length of an ed25519 block signature.
const SignatureSize = 64

// TransferFunc observes one block moving to or from a peer.
type TransferFunc func(seq uint64, byteLength int, remote peer.ID)

// AppendFunc observes the core growing to length.
type AppendFunc func(length uint64)

// Core is a session on one append-only log.
type Core struct {
	store        *Store
	key          []byte
	discoveryKey []byte
	pub          crypto.PubKey
	priv         crypto.PrivKey

	// guarded by store.mu
	refs int

	readyOnce sync.Once
	readyErr  error

	mu           sync.RWMutex
	length       uint64
	byteLength   uint64
	remoteLength uint64
	wantAll      bool
	closed       bool
	peers        map[peer.ID]struct{}

	downloads observers[TransferFunc]
	uploads   observers[TransferFunc]
	appends   observers[AppendFunc]
}

func newCore(s *Store, key []byte, pub crypto.PubKey, priv crypto.PrivKey) *Core {
	k := make([]byte, len(key))
	copy(k, key)
	return &Core{
		store:        s,
		key:          k,
		discoveryKey: coreid.DiscoveryKey(k),
		pub:          pub,
		priv:         priv,
		peers:        make(map[peer.ID]struct{}),
	}
}

// Ready loads the stored length. It is safe to call more than once.
func (c *Core) Ready(ctx context.Context) error {
	c.readyOnce.Do(func() {
		var count, size int64
		err := c.store.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM blocks WHERE public_key = ?`,
			c.key,
		).Scan(&count, &size)
		if err != nil {
			c.readyErr = fmt.Errorf("failed to load core %s: %w", c.ID(), err)
			return
		}

		c.mu.Lock()
		c.length = uint64(count)
		c.byteLength = uint64(size)
		if c.remoteLength < c.length {
			c.remoteLength = c.length
		}
		c.mu.Unlock()
	})
	return c.readyErr
}

// Key returns the public key.
func (c *Core) Key() []byte { return c.key }

// DiscoveryKey returns the topic the core is announced under.
func (c *Core) DiscoveryKey() []byte { return c.discoveryKey }

// ID returns the printable id of the public key.
func (c *Core) ID() string { return coreid.Encode(c.key) }

// Writable reports whether this store holds the signing key.
func (c *Core) Writable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priv != nil
}

// Length returns the number of contiguous blocks held locally.
func (c *Core) Length() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.length
}

// ByteLength returns the total size of the local blocks.
func (c *Core) ByteLength() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byteLength
}

// RemoteLength returns the longest length any peer has reported.
func (c *Core) RemoteLength() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteLength
}

// SetRemoteLength records a length advertised by a peer.
func (c *Core) SetRemoteLength(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.remoteLength {
		c.remoteLength = n
	}
}

// Closed reports whether the session has been released.
func (c *Core) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Append signs and stores blocks at the end of the log.
func (c *Core) Append(ctx context.Context, blocks ...[]byte) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrCoreClosed
	}
	if c.priv == nil {
		c.mu.Unlock()
		return 0, ErrNotWritable
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}

	seq := c.length
	var added uint64
	for _, data := range blocks {
		sig, err := c.priv.Sign(signable(c.key, seq, data))
		if err != nil {
			tx.Rollback()
			c.mu.Unlock()
			return 0, fmt.Errorf("failed to sign block: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blocks (public_key, seq, data, signature) VALUES (?, ?, ?, ?)`,
			c.key, seq, data, sig,
		); err != nil {
			tx.Rollback()
			c.mu.Unlock()
			return 0, fmt.Errorf("failed to store block %d: %w", seq, err)
		}
		seq++
		added += uint64(len(data))
	}

	if err := tx.Commit(); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	c.length = seq
	c.byteLength += added
	if c.remoteLength < c.length {
		c.remoteLength = c.length
	}
	length := c.length
	c.mu.Unlock()

	c.notifyAppend(length)
	return length, nil
}

// Get returns the block at seq.
func (c *Core) Get(ctx context.Context, seq uint64) ([]byte, error) {
	data, _, err := c.Block(ctx, seq)
	return data, err
}

// Block returns the block at seq together with its signature.
func (c *Core) Block(ctx context.Context, seq uint64) ([]byte, []byte, error) {
	c.mu.RLock()
	closed, length := c.closed, c.length
	c.mu.RUnlock()

	if closed {
		return nil, nil, ErrCoreClosed
	}
	if seq >= length {
		return nil, nil, ErrBlockNotAvailable
	}

	var data, sig []byte
	err := c.store.db.QueryRowContext(ctx,
		`SELECT data, signature FROM blocks WHERE public_key = ? AND seq = ?`,
		c.key, seq,
	).Scan(&data, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrBlockNotAvailable
	}
	if err != nil {
		return nil, nil, err
	}
	return data, sig, nil
}

// PutVerified stores a block received from a peer after checking its
// signature. Blocks must arrive in order; blocks already held are ignored.
func (c *Core) PutVerified(ctx context.Context, seq uint64, data, sig []byte, from peer.ID) error {
	ok, err := c.pub.Verify(signable(c.key, seq, data), sig)
	if err != nil || !ok {
		return ErrInvalidSignature
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoreClosed
	}
	if seq < c.length {
		c.mu.Unlock()
		return nil
	}
	if seq > c.length {
		c.mu.Unlock()
		return ErrOutOfOrder
	}

	if _, err := c.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (public_key, seq, data, signature) VALUES (?, ?, ?, ?)`,
		c.key, seq, data, sig,
	); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to store block %d: %w", seq, err)
	}

	c.length++
	c.byteLength += uint64(len(data))
	if c.remoteLength < c.length {
		c.remoteLength = c.length
	}
	length := c.length
	c.mu.Unlock()

	for _, fn := range c.downloads.snapshot() {
		fn(seq, len(data), from)
	}
	c.notifyAppend(length)
	return nil
}

// Uploaded reports that a block was served to a peer.
func (c *Core) Uploaded(seq uint64, byteLength int, to peer.ID) {
	for _, fn := range c.uploads.snapshot() {
		fn(seq, byteLength, to)
	}
}

// Download requests every block of the core from connected peers.
func (c *Core) Download() {
	c.mu.Lock()
	c.wantAll = true
	c.mu.Unlock()

	for _, fn := range c.store.wants.snapshot() {
		fn(c)
	}
}

// WantsAll reports whether Download was requested.
func (c *Core) WantsAll() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wantAll
}

// AddPeer records a peer replicating this core.
func (c *Core) AddPeer(p peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p] = struct{}{}
}

// RemovePeer forgets a replicating peer.
func (c *Core) RemovePeer(p peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, p)
}

// Peers returns the number of replicating peers.
func (c *Core) Peers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

// OnDownload registers fn for every verified block received.
func (c *Core) OnDownload(fn TransferFunc) func() { return c.downloads.add(fn) }

// OnUpload registers fn for every block served.
func (c *Core) OnUpload(fn TransferFunc) func() { return c.uploads.add(fn) }

// OnAppend registers fn for every length change.
func (c *Core) OnAppend(fn AppendFunc) func() { return c.appends.add(fn) }

// Close releases this session. The log stays open while other sessions
// on the same key exist.
func (c *Core) Close() error {
	if c.store.release(c) {
		c.markClosed()
	}
	return nil
}

func (c *Core) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.peers = make(map[peer.ID]struct{})
}

func (c *Core) notifyAppend(length uint64) {
	for _, fn := range c.appends.snapshot() {
		fn(length)
	}
}

// signable is the message signed for block seq: key, uvarint(seq) and the
// block hash.
func signable(key []byte, seq uint64, data []byte) []byte {
	sum := blake2b.Sum256(data)
	msg := make([]byte, 0, len(key)+varint.MaxLenUvarint63+len(sum))
	msg = append(msg, key...)
	msg = append(msg, varint.ToUvarint(seq)...)
	return append(msg, sum[:]...)
}
