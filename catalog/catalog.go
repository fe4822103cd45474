package catalog

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/metrics"
)

// refreshTimeout bounds one shared fetch.
const refreshTimeout = 30 * time.Second

// Source supplies the full server list for a refresh.
type Source interface {
	Fetch(ctx context.Context) ([]ServerDescriptor, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]ServerDescriptor, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) ([]ServerDescriptor, error) {
	return f(ctx)
}

type snapshot struct {
	servers   []ServerDescriptor // sorted by id
	index     map[string]int
	updatedAt time.Time
}

func newSnapshot(servers []ServerDescriptor, at time.Time) *snapshot {
	slices.SortFunc(servers, func(a, b ServerDescriptor) int {
		return cmp.Compare(a.ID, b.ID)
	})
	index := make(map[string]int, len(servers))
	for i := range servers {
		index[servers[i].ID] = i
	}
	return &snapshot{servers: servers, index: index, updatedAt: at}
}

// Catalog is the in-memory server catalog.
type Catalog struct {
	snap   atomic.Pointer[snapshot]
	writeM sync.Mutex // serializes snapshot writers
	source Source
	group  singleflight.Group
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty catalog backed by source. source may be nil for a
// catalog fed only through Replace.
func New(source Source) *Catalog {
	c := &Catalog{
		source: source,
		logger: common.WithComponent("catalog"),
		now:    time.Now,
	}
	c.snap.Store(newSnapshot(nil, time.Time{}))
	return c
}

// Refresh pulls the server list from the source and swaps it in.
// Concurrent calls share one fetch. A caller whose ctx ends stops waiting
// but does not abort the shared fetch, which is bounded by refreshTimeout.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.source == nil {
		return fmt.Errorf("%w: no source configured", common.ErrInvalidCatalog)
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		servers, err := c.source.Fetch(fctx)
		if err != nil {
			return nil, fmt.Errorf("fetch servers: %w", err)
		}
		return nil, c.Replace(servers)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Shared {
		c.logger.Debug().Msg("joined in-flight catalog refresh")
	}
	if res.Err != nil {
		metrics.ObserveCatalogRefresh(res.Err, 0)
		c.logger.Warn().Err(res.Err).Msg("catalog refresh failed")
		return res.Err
	}
	return nil
}

// Replace validates servers and installs them as the new snapshot.
// Latency measured by the prober is kept for servers whose new record
// carries none.
func (c *Catalog) Replace(servers []ServerDescriptor) error {
	next := make([]ServerDescriptor, 0, len(servers))
	seen := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		s = s.Clone()
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %s", common.ErrDuplicateServer, s.ID)
		}
		seen[s.ID] = struct{}{}
		next = append(next, s)
	}

	c.writeM.Lock()
	defer c.writeM.Unlock()

	prev := c.snap.Load()
	for i := range next {
		if next[i].LatencyMs != nil {
			continue
		}
		if j, ok := prev.index[next[i].ID]; ok && prev.servers[j].LatencyMs != nil {
			next[i].LatencyMs = Latency(*prev.servers[j].LatencyMs)
		}
	}

	c.snap.Store(newSnapshot(next, c.now()))
	metrics.ObserveCatalogRefresh(nil, len(next))
	c.logger.Info().Int("servers", len(next)).Msg("catalog updated")
	return nil
}

// List returns the servers matching f in display order. The snapshot is
// taken when iteration starts.
func (c *Catalog) List(f Filter) iter.Seq[ServerDescriptor] {
	return func(yield func(ServerDescriptor) bool) {
		snap := c.snap.Load()
		matched := make([]*ServerDescriptor, 0, len(snap.servers))
		for i := range snap.servers {
			if f.match(&snap.servers[i]) {
				matched = append(matched, &snap.servers[i])
			}
		}
		slices.SortFunc(matched, f.compare)
		for _, s := range matched {
			if !yield(s.Clone()) {
				return
			}
		}
	}
}

// Get returns a copy of the server with the given id.
func (c *Catalog) Get(id string) (ServerDescriptor, error) {
	snap := c.snap.Load()
	i, ok := snap.index[id]
	if !ok {
		return ServerDescriptor{}, fmt.Errorf("%w: %s", common.ErrServerNotFound, id)
	}
	return snap.servers[i].Clone(), nil
}

// Len returns the number of servers in the current snapshot.
func (c *Catalog) Len() int {
	return len(c.snap.Load().servers)
}

// UpdatedAt returns when the current snapshot was installed.
func (c *Catalog) UpdatedAt() time.Time {
	return c.snap.Load().updatedAt
}

// Endpoints returns id to endpoint address for every server.
func (c *Catalog) Endpoints() map[string]string {
	snap := c.snap.Load()
	out := make(map[string]string, len(snap.servers))
	for _, s := range snap.servers {
		out[s.ID] = s.EndpointAddress
	}
	return out
}

// ApplyHealth updates status and latency from probe results. Unknown ids
// are ignored.
func (c *Catalog) ApplyHealth(results map[string]HealthResult) {
	if len(results) == 0 {
		return
	}

	c.writeM.Lock()
	defer c.writeM.Unlock()

	prev := c.snap.Load()
	next := make([]ServerDescriptor, len(prev.servers))
	changed := false
	for i, s := range prev.servers {
		s = s.Clone()
		if r, ok := results[s.ID]; ok {
			if s.Status != r.Status {
				c.logger.Info().
					Str("server", s.ID).
					Stringer("from", s.Status).
					Stringer("to", r.Status).
					Msg("server status changed")
			}
			s.Status = r.Status
			if r.Latency > 0 {
				s.LatencyMs = Latency(int(r.Latency.Milliseconds()))
			}
			changed = true
		}
		next[i] = s
	}
	if !changed {
		return
	}
	c.snap.Store(&snapshot{servers: next, index: prev.index, updatedAt: prev.updatedAt})
}
