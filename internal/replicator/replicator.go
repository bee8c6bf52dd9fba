// Package replicator moves signed blocks between peers.
//
// A request names a core by discovery key and a starting sequence. The
// response carries the responder's length followed by up to MaxBatch block
// frames:
//
//	request:  discoveryKey[32] | uvarint(from)
//	response: uvarint(length) | frame*
//	frame:    uvarint(seq) | uvarint(size) | data[size] | signature[64]
//
// Every received block is verified against the core's public key before it
// is stored.
package replicator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-varint"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
)

var log = logging.Logger("sdn-replicator")

// ProtocolID is the block exchange protocol.
const ProtocolID = protocol.ID("/sdn-seeder/replicate/1.0.0")

// Defaults.
const (
	DefaultInterval     = 10 * time.Second
	DefaultMaxBatch     = 256
	DefaultMaxBlockSize = 8 << 20

	streamTimeout = 30 * time.Second
)

// ErrBlockTooLarge is returned for frames above MaxBlockSize.
var ErrBlockTooLarge = errors.New("block exceeds maximum size")

// Options configure a Replicator.
type Options struct {
	// Interval between full sync rounds.
	Interval time.Duration
	// MaxBatch caps the frames in one response.
	MaxBatch uint64
	// MaxBlockSize caps a single block.
	MaxBlockSize uint64
}

// Replicator serves local cores and downloads wanted cores from peers.
type Replicator struct {
	host  host.Host
	store *corestore.Store
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	unregister func()
	notifee    *network.NotifyBundle
}

// New creates a replicator. Call Start to serve and sync.
func New(h host.Host, store *corestore.Store, opts Options) *Replicator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBatch == 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.MaxBlockSize == 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Replicator{
		host:     h,
		store:    store,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Start registers the stream handler and begins syncing.
func (r *Replicator) Start() {
	r.host.SetStreamHandler(ProtocolID, r.handleStream)
	r.unregister = r.store.OnWant(r.want)

	r.notifee = &network.NotifyBundle{
		DisconnectedF: func(n network.Network, c network.Conn) {
			p := c.RemotePeer()
			if n.Connectedness(p) == network.Connected {
				return
			}
			for _, core := range r.store.Cores() {
				core.RemovePeer(p)
			}
		},
	}
	r.host.Network().Notify(r.notifee)

	r.wg.Add(1)
	go r.loop()
}

// PeerConnected syncs every wanted core with p.
func (r *Replicator) PeerConnected(p peer.ID) {
	for _, c := range r.wanted() {
		r.spawn(c, p)
	}
}

// Close stops serving and waits for running syncs.
func (r *Replicator) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.host.RemoveStreamHandler(ProtocolID)
	if r.unregister != nil {
		r.unregister()
	}
	if r.notifee != nil {
		r.host.Network().StopNotify(r.notifee)
	}
	r.wg.Wait()
	return nil
}

func (r *Replicator) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			peers := r.host.Network().Peers()
			for _, c := range r.wanted() {
				for _, p := range peers {
					r.spawn(c, p)
				}
			}
		}
	}
}

func (r *Replicator) want(c *corestore.Core) {
	if c.Writable() {
		return
	}
	for _, p := range r.host.Network().Peers() {
		r.spawn(c, p)
	}
}

func (r *Replicator) wanted() []*corestore.Core {
	var out []*corestore.Core
	for _, c := range r.store.Cores() {
		if c.WantsAll() && !c.Writable() && !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// spawn runs one sync of c with p unless one is already running.
func (r *Replicator) spawn(c *corestore.Core, p peer.ID) {
	if p == r.host.ID() {
		return
	}
	id := c.ID() + "/" + p.String()

	r.mu.Lock()
	if _, ok := r.inflight[id]; ok || r.closed {
		r.mu.Unlock()
		return
	}
	r.inflight[id] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}()

		n, err := r.Sync(r.ctx, c, p)
		if err != nil && r.ctx.Err() == nil {
			log.Debugf("Sync %s with %s: %v", c.ID(), p.ShortString(), err)
			return
		}
		if n > 0 {
			log.Debugf("Downloaded %d blocks of %s from %s", n, c.ID(), p.ShortString())
		}
	}()
}

// Sync downloads the blocks of c that p holds beyond the local length. It
// returns the number of blocks stored.
func (r *Replicator) Sync(ctx context.Context, c *corestore.Core, p peer.ID) (int, error) {
	total := 0
	for {
		n, more, err := r.fetch(ctx, c, p)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

func (r *Replicator) fetch(ctx context.Context, c *corestore.Core, p peer.ID) (int, bool, error) {
	s, err := r.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()

	if err := s.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		log.Debugf("Failed to set deadline: %v", err)
	}

	from := c.Length()
	req := append(append([]byte{}, c.DiscoveryKey()...), varint.ToUvarint(from)...)
	if _, err := s.Write(req); err != nil {
		s.Reset()
		return 0, false, fmt.Errorf("failed to send request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return 0, false, err
	}

	br := bufio.NewReader(s)
	length, err := varint.ReadUvarint(br)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read length: %w", err)
	}
	if length == 0 {
		return 0, false, nil
	}
	c.SetRemoteLength(length)
	c.AddPeer(p)

	n := 0
	for {
		seq, err := varint.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, false, fmt.Errorf("failed to read frame: %w", err)
		}
		data, sig, err := r.readBlock(br)
		if err != nil {
			return n, false, err
		}
		if err := c.PutVerified(ctx, seq, data, sig, p); err != nil {
			return n, false, fmt.Errorf("block %d: %w", seq, err)
		}
		n++
	}
	return n, n > 0 && c.Length() < length, nil
}

func (r *Replicator) readBlock(br *bufio.Reader) ([]byte, []byte, error) {
	size, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read block size: %w", err)
	}
	if size > r.opts.MaxBlockSize {
		return nil, nil, fmt.Errorf("%w: %d", ErrBlockTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nil, fmt.Errorf("failed to read block: %w", err)
	}
	sig := make([]byte, corestore.SignatureSize)
	if _, err := io.ReadFull(br, sig); err != nil {
		return nil, nil, fmt.Errorf("failed to read signature: %w", err)
	}
	return data, sig, nil
}

func (r *Replicator) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	if err := s.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		log.Debugf("Failed to set deadline: %v", err)
	}

	br := bufio.NewReader(s)
	dk := make([]byte, coreid.KeySize)
	if _, err := io.ReadFull(br, dk); err != nil {
		log.Debugf("Failed to read request from %s: %v", remote.ShortString(), err)
		s.Reset()
		return
	}
	from, err := varint.ReadUvarint(br)
	if err != nil {
		log.Debugf("Failed to read request from %s: %v", remote.ShortString(), err)
		s.Reset()
		return
	}

	var length uint64
	core := r.store.FindByDiscoveryKey(dk)
	if core != nil && !core.Closed() {
		length = core.Length()
		core.AddPeer(remote)
	}

	w := bufio.NewWriter(s)
	if _, err := w.Write(varint.ToUvarint(length)); err != nil {
		s.Reset()
		return
	}

	end := length
	if from+r.opts.MaxBatch < end {
		end = from + r.opts.MaxBatch
	}
	for seq := from; seq < end; seq++ {
		data, sig, err := core.Block(r.ctx, seq)
		if err != nil {
			log.Debugf("Failed to read block %d of %s: %v", seq, core.ID(), err)
			break
		}
		w.Write(varint.ToUvarint(seq))
		w.Write(varint.ToUvarint(uint64(len(data))))
		w.Write(data)
		if _, err := w.Write(sig); err != nil {
			s.Reset()
			return
		}
		core.Uploaded(seq, len(data), remote)
	}

	if err := w.Flush(); err != nil {
		log.Debugf("Failed to send blocks to %s: %v", remote.ShortString(), err)
		s.Reset()
	}
}
