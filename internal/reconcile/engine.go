// Package reconcile keeps the seeder's externally owned resources in line
// with a watched list.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/sdn-seeder/internal/events"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
)

var log = logging.Logger("sdn-reconcile")

// ErrNoList is returned when the watched resource is not an open list.
var ErrNoList = errors.New("resource is not an open list")

// Policy receives the allow-list read from the list.
type Policy interface {
	SetAllowed(peers []string)
}

// Result summarises one pass.
type Result struct {
	Version uint64
	Added   int
	Removed int
}

// Engine runs reconciliation passes against one list resource.
//
// Passes never overlap. Triggers that arrive while a pass runs collapse into
// a single follow-up pass.
type Engine struct {
	seeder *seeder.Seeder
	list   *seeder.Resource
	policy Policy

	ctx    context.Context
	cancel context.CancelFunc

	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	pending bool
	done    chan struct{}

	reconciled events.Emitter

	// beforePass, if set, runs at the start of every triggered pass.
	beforePass func()
}

// New creates an engine for the list resource l. policy and bus may be nil.
func New(s *seeder.Seeder, l *seeder.Resource, policy Policy, bus event.Bus) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		seeder:     s,
		list:       l,
		policy:     policy,
		ctx:        ctx,
		cancel:     cancel,
		reconciled: events.NewEmitter(bus, new(events.EvtReconciled)),
	}
}

// Run triggers a pass now and after every change to the list, until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	l := e.list.List()
	if l == nil {
		return ErrNoList
	}

	changes, cancel := l.Watch()
	defer cancel()

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case <-changes:
			e.Trigger()
		}
	}
}

// Trigger starts a pass, or schedules one to follow the pass in flight.
func (e *Engine) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return
	}
	if e.running {
		e.pending = true
		return
	}
	e.running = true
	e.done = make(chan struct{})
	go e.loop(e.done)
}

func (e *Engine) loop(done chan struct{}) {
	defer close(done)

	for {
		if e.beforePass != nil {
			e.beforePass()
		}
		if _, err := e.Update(e.ctx); err != nil {
			log.Warnf("Reconciliation failed: %v", err)
		}

		e.mu.Lock()
		if !e.pending || e.ctx.Err() != nil {
			e.running = false
			e.pending = false
			e.mu.Unlock()
			return
		}
		e.pending = false
		e.mu.Unlock()
	}
}

// Wait blocks until no pass is running or pending.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops future passes and waits for the current one.
func (e *Engine) Close() error {
	e.cancel()
	e.Wait(context.Background())
	return e.reconciled.Close()
}

// Update runs one pass: snapshot the list, remove external resources that
// left it, replace the allow-list, then put every entry in order. Entry
// failures do not stop the pass; they are returned together.
func (e *Engine) Update(ctx context.Context) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	l := e.list.List()
	if l == nil || e.list.Closed() {
		return Result{}, ErrNoList
	}

	snap := l.Snapshot()
	res := Result{Version: snap.Version()}

	// an unreadable policy aborts the pass and keeps the previous one
	data, err := seeder.ReadListData(snap)
	if err != nil {
		err = fmt.Errorf("read list %s: %w", e.list.Key, err)
		e.reconciled.Emit(events.EvtReconciled{Version: res.Version, Err: err})
		return res, err
	}

	wanted := make(map[string]struct{})
	var entries []seederEntry
	for _, en := range snap.Entries("") {
		// no list-of-lists, and never the list itself
		if en.Value.Type == seeder.TypeList || en.Key == e.list.Key {
			continue
		}
		wanted[en.Key] = struct{}{}
		entries = append(entries, seederEntry{key: en.Key, desc: seeder.Descriptor{
			Type:        en.Value.Type,
			Seeders:     en.Value.Seeders,
			Description: en.Value.Description,
			External:    true,
		}})
	}

	for _, r := range e.seeder.Filter(func(r *seeder.Resource) bool { return r.External }) {
		if _, ok := wanted[r.Key]; ok {
			continue
		}
		if rerr := e.seeder.Remove(ctx, r.Key); rerr != nil && !errors.Is(rerr, seeder.ErrUnknownResource) {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", r.Key, rerr))
			continue
		}
		res.Removed++
	}

	if e.policy != nil {
		e.policy.SetAllowed(data.AllowedPeers)
	}
	e.list.SetUserData(data)

	for _, en := range entries {
		had := e.seeder.Has(en.key)
		r, perr := e.seeder.Put(ctx, en.key, en.desc)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("put %s: %w", en.key, perr))
			continue
		}
		// nil once the tracker is being destroyed
		if r != nil && !had {
			res.Added++
		}
	}

	log.Debugf("Reconciled list %s at version %d: +%d -%d", e.list.Key, res.Version, res.Added, res.Removed)
	e.reconciled.Emit(events.EvtReconciled{
		Version: res.Version,
		Added:   res.Added,
		Removed: res.Removed,
		Err:     err,
	})
	return res, err
}

type seederEntry struct {
	key  string
	desc seeder.Descriptor
}
