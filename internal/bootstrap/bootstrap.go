// Package bootstrap connects the node to its configured entry peers.
//
// Only addresses that pin a peer ID are dialed: the security handshake then
// proves the remote holds the expected key.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("sdn-bootstrap")

const connectTimeout = 15 * time.Second

// Peer is a parsed bootstrap address.
type Peer struct {
	AddrInfo peer.AddrInfo
	// Pinned is false when the address carries no /p2p/ component.
	Pinned bool
	Raw    string
}

// ParseAddress parses one bootstrap multiaddr.
func ParseAddress(addr string) (Peer, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid multiaddr: %w", err)
	}

	if !hasPeerID(addr) {
		return Peer{AddrInfo: peer.AddrInfo{Addrs: []multiaddr.Multiaddr{ma}}, Raw: addr}, nil
	}

	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to parse peer info: %w", err)
	}
	return Peer{AddrInfo: *info, Pinned: true, Raw: addr}, nil
}

// Pinned parses addresses and returns the ones that pin a peer ID, merging
// addresses of the same peer. Invalid and unpinned entries are logged and
// skipped.
func Pinned(addresses []string) []peer.AddrInfo {
	byID := make(map[peer.ID]*peer.AddrInfo)
	var order []peer.ID

	for _, addr := range addresses {
		p, err := ParseAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		if !p.Pinned {
			log.Warnf("Skipping bootstrap address %s: no peer ID to verify, use %s/p2p/<PEER_ID>", addr, addr)
			continue
		}
		if existing, ok := byID[p.AddrInfo.ID]; ok {
			existing.Addrs = append(existing.Addrs, p.AddrInfo.Addrs...)
			continue
		}
		info := p.AddrInfo
		byID[info.ID] = &info
		order = append(order, info.ID)
	}

	out := make([]peer.AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// Connect dials every peer concurrently and returns how many connected.
func Connect(ctx context.Context, h host.Host, peers []peer.AddrInfo) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, pi := range peers {
		if pi.ID == h.ID() {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			if err := h.Connect(cctx, pi); err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", pi.ID, err)
				return
			}
			log.Infof("Connected to bootstrap peer %s", pi.ID)
			mu.Lock()
			connected++
			mu.Unlock()
		}(pi)
	}
	wg.Wait()
	return connected
}

func hasPeerID(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}
