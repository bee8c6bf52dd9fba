// Package firewall decides which peers may connect to the seeder.
package firewall

import (
	"encoding/hex"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/spacedatanetwork/sdn-seeder/internal/events"
)

var log = logging.Logger("sdn-firewall")

// Decision is the outcome for one peer.
type Decision int

const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Firewall is an allow-list admission policy and a libp2p ConnectionGater.
//
// A nil allow-list admits everyone, an empty one admits no one, otherwise
// only members are admitted. Members are hex encoded ed25519 public keys.
// Only inbound connections are gated; the seeder may always dial out.
type Firewall struct {
	mu      sync.RWMutex
	allowed map[string]struct{}

	accepted events.Emitter
	rejected events.Emitter
}

// New creates an unrestricted firewall that reports decisions on bus.
// bus may be nil.
func New(bus event.Bus) *Firewall {
	return &Firewall{
		accepted: events.NewEmitter(bus, new(events.EvtPeerAccepted)),
		rejected: events.NewEmitter(bus, new(events.EvtPeerRejected)),
	}
}

// SetAllowed replaces the allow-list wholesale.
func (f *Firewall) SetAllowed(peers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if peers == nil {
		if f.allowed != nil {
			log.Infof("Firewall unrestricted")
		}
		f.allowed = nil
		return
	}

	allowed := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		allowed[strings.ToLower(p)] = struct{}{}
	}
	f.allowed = allowed
	log.Infof("Firewall restricted to %d peers", len(allowed))
}

// Allowed returns the current allow-list, or nil when unrestricted.
func (f *Firewall) Allowed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.allowed == nil {
		return nil
	}
	out := make([]string, 0, len(f.allowed))
	for p := range f.allowed {
		out = append(out, p)
	}
	return out
}

// Decide returns the decision for a hex encoded public key. It has no side
// effects.
func (f *Firewall) Decide(publicKey string) Decision {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.allowed == nil {
		return Accept
	}
	if _, ok := f.allowed[strings.ToLower(publicKey)]; ok {
		return Accept
	}
	return Reject
}

// Admit decides for a connecting peer and emits the decision.
func (f *Firewall) Admit(p peer.ID) bool {
	publicKey := PublicKeyHex(p)
	d := f.Decide(publicKey)

	if d == Accept {
		f.accepted.Emit(events.EvtPeerAccepted{Peer: p, PublicKey: publicKey})
		return true
	}

	log.Debugf("Rejected connection from peer %s", p.ShortString())
	f.rejected.Emit(events.EvtPeerRejected{Peer: p, PublicKey: publicKey})
	return false
}

// Close releases the event emitters.
func (f *Firewall) Close() error {
	f.accepted.Close()
	return f.rejected.Close()
}

// PublicKeyHex returns the hex encoded raw public key embedded in p, or ""
// if p does not embed one.
func PublicKeyHex(p peer.ID) string {
	pk, err := p.ExtractPublicKey()
	if err != nil {
		return ""
	}
	raw, err := pk.Raw()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

// InterceptPeerDial is called before dialing a peer.
func (f *Firewall) InterceptPeerDial(p peer.ID) bool {
	return true
}

// InterceptAddrDial is called before dialing a specific address.
func (f *Firewall) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) bool {
	return true
}

// InterceptAccept is called when accepting a connection from a multiaddr.
func (f *Firewall) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	// The peer ID is not known yet; the check happens in InterceptSecured.
	return true
}

// InterceptSecured is called after the security handshake is complete.
func (f *Firewall) InterceptSecured(dir network.Direction, p peer.ID, addrs network.ConnMultiaddrs) bool {
	if dir != network.DirInbound {
		return true
	}
	return f.Admit(p)
}

// InterceptUpgraded is called after the connection is fully upgraded.
func (f *Firewall) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*Firewall)(nil)
