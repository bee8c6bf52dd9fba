package seeder

import (
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/list"
	"github.com/spacedatanetwork/sdn-seeder/internal/meter"
)

// Resource types.
const (
	TypeCore    = "core"
	TypeBee     = "bee"
	TypeDrive   = "drive"
	TypeList    = "list"
	TypeSeeders = "seeders"
)

// Descriptor is the desired state of a resource.
type Descriptor struct {
	Type        string
	Seeders     bool
	Description string
	// External marks resources owned by the watched list. Only external
	// resources are removed by reconciliation.
	External bool
}

// ListData is the policy state read from a tracked list.
type ListData struct {
	// AllowedPeers is nil when the list does not restrict peers.
	AllowedPeers []string
	PublicKey    string
}

// Resource is one tracked resource.
type Resource struct {
	Key      string
	Type     string
	External bool
	Instance io.Closer

	// Blocks counts blocks and Bytes counts payload, per direction.
	Blocks meter.Pair
	Bytes  meter.Pair

	mirror bool

	mu          sync.RWMutex
	description string
	seeders     SeedingSwarm
	discovery   []Discovery
	cores       []*corestore.Core
	unregister  []func()
	userData    *ListData
	closed      bool
}

func newResource(key, typ string, mirror bool, d Descriptor, clk clock.Clock) *Resource {
	return &Resource{
		Key:         key,
		Type:        typ,
		External:    d.External,
		mirror:      mirror,
		description: d.Description,
		Blocks:      meter.NewPair(clk),
		Bytes:       meter.NewPair(clk),
	}
}

// Description returns the free-form description.
func (r *Resource) Description() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.description
}

// Seeders returns the seeding sub-swarm, or nil when seeding is off.
func (r *Resource) Seeders() SeedingSwarm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seeders
}

// Mirror reports whether the resource was added as a seeders mirror.
func (r *Resource) Mirror() bool { return r.mirror }

// Discovery returns the active discovery handles.
func (r *Resource) Discovery() []Discovery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Discovery(nil), r.discovery...)
}

// Cores returns the cores replicated for this resource. Drives report the
// blobs core once it is known.
func (r *Resource) Cores() []*corestore.Core {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*corestore.Core(nil), r.cores...)
}

// UserData returns a copy of the list policy state, or nil for non-lists.
func (r *Resource) UserData() *ListData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.userData == nil {
		return nil
	}
	d := *r.userData
	if d.AllowedPeers != nil {
		d.AllowedPeers = append([]string{}, d.AllowedPeers...)
	}
	return &d
}

// SetUserData replaces the list policy state.
func (r *Resource) SetUserData(d ListData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userData = &d
}

// List returns the list instance of a list resource, or nil.
func (r *Resource) List() *list.List {
	l, _ := r.Instance.(*list.List)
	return l
}

// Closed reports whether the resource has been torn down.
func (r *Resource) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Resource) setDescription(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = s
}

func (r *Resource) attachSeeders(sw SeedingSwarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeders != nil {
		return ErrSeedersAlreadyEnabled
	}
	r.seeders = sw
	return nil
}

func (r *Resource) setSeeders(sw SeedingSwarm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeders = sw
}

// close tears the resource down: seeding first, then discovery, then the
// instance. Every step runs even if an earlier one failed.
func (r *Resource) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	seeders := r.seeders
	discovery := r.discovery
	unregister := r.unregister
	r.seeders = nil
	r.discovery = nil
	r.unregister = nil
	r.mu.Unlock()

	var err error
	if seeders != nil {
		err = multierr.Append(err, seeders.Destroy())
	}
	for _, d := range discovery {
		err = multierr.Append(err, d.Destroy())
	}
	for _, fn := range unregister {
		fn()
	}
	if r.Instance != nil {
		err = multierr.Append(err, r.Instance.Close())
	}
	return err
}
