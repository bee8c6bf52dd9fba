// Package events defines the observability events emitted on the node's
// event bus. Subscribers use the libp2p event bus API:
//
//	sub, _ := bus.Subscribe(new(events.EvtResourceAdded))
//	for e := range sub.Out() { ... }
package events

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
)

var log = logging.Logger("sdn-events")

// EvtResourceAdded is emitted after a resource is tracked.
type EvtResourceAdded struct {
	Key      string
	Type     string
	External bool
	Seeders  bool
}

// EvtResourceRemoved is emitted after a resource is fully torn down.
type EvtResourceRemoved struct {
	Key  string
	Type string
}

// EvtSeedingToggled is emitted when seeding is switched in place.
type EvtSeedingToggled struct {
	Key     string
	Enabled bool
}

// EvtPeerAccepted is emitted for every admitted connection.
type EvtPeerAccepted struct {
	Peer      peer.ID
	PublicKey string
}

// EvtPeerRejected is emitted for every refused connection.
type EvtPeerRejected struct {
	Peer      peer.ID
	PublicKey string
}

// EvtReconciled is emitted when a reconciliation pass completes.
type EvtReconciled struct {
	Version uint64
	Added   int
	Removed int
	Err     error
}

// NewBus returns a bus for a node that does not share its host bus.
func NewBus() event.Bus {
	return eventbus.NewBus()
}

// Emitter wraps an event.Emitter so that a nil emitter, or a bus that could
// not provide one, drops events instead of failing.
type Emitter struct {
	em event.Emitter
}

// NewEmitter creates an emitter for evtType on bus. A nil bus yields an
// emitter that drops everything.
func NewEmitter(bus event.Bus, evtType interface{}) Emitter {
	if bus == nil {
		return Emitter{}
	}
	em, err := bus.Emitter(evtType)
	if err != nil {
		log.Warnf("Failed to create emitter for %T: %v", evtType, err)
		return Emitter{}
	}
	return Emitter{em: em}
}

// Emit publishes evt.
func (e Emitter) Emit(evt interface{}) {
	if e.em == nil {
		return
	}
	if err := e.em.Emit(evt); err != nil {
		log.Debugf("Dropped %T: %v", evt, err)
	}
}

// Close releases the emitter.
func (e Emitter) Close() error {
	if e.em == nil {
		return nil
	}
	return e.em.Close()
}
