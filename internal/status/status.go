// Package status renders a periodic text view of the tracked resources.
package status

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeders"
)

// DefaultInterval is the refresh period.
const DefaultInterval = 5 * time.Second

const clearScreen = "\033[H\033[2J"

// Source lists tracked resources.
type Source interface {
	Filter(fn func(*seeder.Resource) bool) []*seeder.Resource
}

// NodeInfo describes the local node.
type NodeInfo struct {
	PeerID      string
	Addrs       []string
	Connections int
	Topics      int
}

// recorder is implemented by seeding sub-swarms that report a record.
type recorder interface {
	SeedID() string
	Record() seeders.Record
}

// Options configure a Display.
type Options struct {
	// Node reports node details. May be nil.
	Node func() NodeInfo
	// Clear clears the terminal before every write.
	Clear bool
}

// Display writes the rendered view to out whenever it changes.
type Display struct {
	out    io.Writer
	source Source
	opts   Options

	mu   sync.Mutex
	last string
}

// New creates a display over source.
func New(out io.Writer, source Source, opts Options) *Display {
	return &Display{out: out, source: source, opts: opts}
}

// Run refreshes the display every interval until ctx is done.
func (d *Display) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Update()
		}
	}
}

// Update renders and writes the view if it changed since the last write.
// It reports whether anything was written.
func (d *Display) Update() bool {
	out := d.Render()

	d.mu.Lock()
	defer d.mu.Unlock()
	if out == d.last {
		return false
	}
	d.last = out

	if d.opts.Clear {
		io.WriteString(d.out, clearScreen)
	}
	io.WriteString(d.out, out)
	return true
}

// Render builds the current view.
func (d *Display) Render() string {
	var b strings.Builder
	line := func(args ...string) {
		b.WriteString(strings.Join(args, " "))
		b.WriteByte('\n')
	}

	if d.opts.Node != nil {
		n := d.opts.Node()
		addrs := "~"
		if len(n.Addrs) > 0 {
			addrs = strings.Join(n.Addrs, ", ")
		}
		line("Node")
		line("- Peer ID:", n.PeerID)
		line("- Addresses:", addrs)
		line()
		line("Swarm")
		line("- Connections:", fmt.Sprint(n.Connections))
		line("- Topics:", fmt.Sprint(n.Topics))
		line()
	}

	resources := d.source.Filter(nil)
	byType := func(t string) []*seeder.Resource {
		var out []*seeder.Resource
		for _, r := range resources {
			if r.Type == t {
				out = append(out, r)
			}
		}
		return out
	}

	if lists := byType(seeder.TypeList); len(lists) > 0 {
		line("Lists")
		for _, r := range lists {
			b.WriteString(formatResource(r))
		}
		line()
	}

	var seeding []*seeder.Resource
	for _, r := range resources {
		if r.Seeders() != nil {
			seeding = append(seeding, r)
		}
	}
	if len(seeding) > 0 {
		line("Seeders")
		for _, r := range seeding {
			b.WriteString(formatSeeders(r))
		}
		line()
	}

	sections := []struct{ title, typ string }{
		{"Cores", seeder.TypeCore},
		{"Bees", seeder.TypeBee},
		{"Drives", seeder.TypeDrive},
	}
	for _, s := range sections {
		rs := byType(s.typ)
		if len(rs) == 0 {
			continue
		}
		line(s.title)
		for _, r := range rs {
			b.WriteString(formatResource(r))
		}
		line()
	}

	return b.String()
}

func formatSeeders(r *seeder.Resource) string {
	rec, ok := r.Seeders().(recorder)
	if !ok {
		return fmt.Sprintf("- %s ~\n", r.Key)
	}
	record := rec.Record()
	return fmt.Sprintf("- %s %d seeds, %d length\n", rec.SeedID(), len(record.Seeds), record.Length)
}

// formatResource prints one resource line. Drives show the primary and the
// blobs core joined with " + ".
func formatResource(r *seeder.Resource) string {
	cores := r.Cores()
	if len(cores) == 0 {
		return fmt.Sprintf("- %s ~\n", r.Key)
	}
	if r.Type == seeder.TypeDrive && len(cores) == 1 {
		cores = append(cores, nil)
	}

	var progress, size, peers []string
	for _, c := range cores {
		progress = append(progress, formatProgress(c))
		size = append(size, formatSize(c))
		peers = append(peers, formatPeers(c))
	}

	return fmt.Sprintf("- %s %s blks, %s, %s peers, ↓ %d ↑ %d blks/s ↓ %s ↑ %s\n",
		r.Key,
		strings.Join(progress, " + "),
		strings.Join(size, " + "),
		strings.Join(peers, " + "),
		int(math.Ceil(r.Blocks.Down.Rate())),
		int(math.Ceil(r.Blocks.Up.Rate())),
		humanize.Bytes(uint64(r.Bytes.Down.Rate())),
		humanize.Bytes(uint64(r.Bytes.Up.Rate())),
	)
}

func formatProgress(c *corestore.Core) string {
	if c == nil {
		return "0/0"
	}
	return fmt.Sprintf("%d/%d", c.Length(), c.RemoteLength())
}

func formatSize(c *corestore.Core) string {
	if c == nil {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(c.ByteLength())
}

func formatPeers(c *corestore.Core) string {
	if c == nil {
		return "0"
	}
	return fmt.Sprint(c.Peers())
}
