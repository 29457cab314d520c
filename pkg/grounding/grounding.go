// Package grounding caches per-table schema context (DDL, column profiles,
// sample rows) and renders it for inclusion in model prompts.
//
// DDL is mandatory: a table whose DDL cannot be fetched has no usable
// grounding. Profiles are preferred over raw samples; when neither is
// available the table degrades to DDL-only context with a warning.
package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

// MetadataUnavailableError means no usable grounding exists for a table.
type MetadataUnavailableError struct {
	Table string
	Err   error
}

func (e *MetadataUnavailableError) Error() string {
	return fmt.Sprintf("metadata unavailable for table %s: %v", e.Table, e.Err)
}

func (e *MetadataUnavailableError) Unwrap() error {
	return e.Err
}

// TableGrounding is the cached schema context for one table.
type TableGrounding struct {
	Table     string
	DDL       string
	Profiles  []warehouse.ColumnProfile
	Samples   string
	Degraded  bool
	FetchedAt time.Time
}

// Render produces the prompt block for this table.
func (g *TableGrounding) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Table: %s\n\n", g.Table)
	fmt.Fprintf(&b, "```sql\n%s\n```\n", strings.TrimSpace(g.DDL))

	if len(g.Profiles) > 0 {
		b.WriteString("\nColumn statistics:\n")
		for _, p := range g.Profiles {
			fmt.Fprintf(&b, "- %s (%s): %.0f%% null, %d distinct", p.Column, p.Type, p.NullRatio*100, p.DistinctCount)
			if p.Min != "" || p.Max != "" {
				fmt.Fprintf(&b, ", range [%s, %s]", p.Min, p.Max)
			}
			b.WriteString("\n")
		}
	} else if g.Samples != "" {
		b.WriteString("\nSample rows:\n")
		b.WriteString(g.Samples)
		if !strings.HasSuffix(g.Samples, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Failures int64
	Entries  int
}

// Provider serves grounding snapshots out of a TTL cache. Concurrent
// requests for the same uncached table share a single warehouse fetch.
type Provider struct {
	warehouse warehouse.Client
	ttl       time.Duration
	sampleN   int
	timeout   time.Duration

	mu    sync.Mutex
	cache map[string]*TableGrounding
	stats Stats

	group  singleflight.Group
	now    func() time.Time
	logger *slog.Logger
}

// NewProvider builds a grounding provider over a warehouse client.
func NewProvider(wh warehouse.Client, cfg *config.GroundingConfig) *Provider {
	return &Provider{
		warehouse: wh,
		ttl:       cfg.TTL.Std(),
		sampleN:   cfg.SampleRows,
		timeout:   cfg.FetchTimeout.Std(),
		cache:     make(map[string]*TableGrounding),
		now:       time.Now,
		logger:    slog.Default().With("component", "grounding"),
	}
}

// Get returns the grounding for a table, fetching on miss or expiry.
func (p *Provider) Get(ctx context.Context, table string) (*TableGrounding, error) {
	p.mu.Lock()
	if g, ok := p.cache[table]; ok && p.now().Sub(g.FetchedAt) < p.ttl {
		p.stats.Hits++
		p.mu.Unlock()
		return g, nil
	}
	p.stats.Misses++
	p.mu.Unlock()

	v, err, _ := p.group.Do(table, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the entry between the miss and the flight starting.
		p.mu.Lock()
		if g, ok := p.cache[table]; ok && p.now().Sub(g.FetchedAt) < p.ttl {
			p.mu.Unlock()
			return g, nil
		}
		p.mu.Unlock()

		// The flight's result is shared with every coalesced caller, so
		// the fetch must not die with the first caller's context. The
		// fetch timeout still applies.
		g, err := p.fetch(context.WithoutCancel(ctx), table)
		if err != nil {
			p.mu.Lock()
			p.stats.Failures++
			p.mu.Unlock()
			return nil, err
		}

		p.mu.Lock()
		p.cache[table] = g
		p.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TableGrounding), nil
}

func (p *Provider) fetch(ctx context.Context, table string) (*TableGrounding, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ddl, err := p.warehouse.FetchDDL(ctx, table)
	if err != nil {
		return nil, &MetadataUnavailableError{Table: table, Err: err}
	}

	g := &TableGrounding{Table: table, DDL: ddl, FetchedAt: p.now()}

	profiles, err := p.warehouse.FetchProfiles(ctx, table)
	if err == nil {
		g.Profiles = profiles
		return g, nil
	}
	p.logger.Debug("Profiles unavailable, falling back to samples", "table", table, "error", err)

	samples, err := p.warehouse.FetchSamples(ctx, table, p.sampleN)
	if err == nil {
		g.Samples = samples.Markdown()
		return g, nil
	}

	g.Degraded = true
	p.logger.Warn("Grounding degraded to DDL only", "table", table, "error", err)
	return g, nil
}

// Warm primes the cache for a set of tables, typically at startup.
// Failures are logged and skipped.
func (p *Provider) Warm(ctx context.Context, tables []string) {
	for _, table := range tables {
		if _, err := p.Get(ctx, table); err != nil {
			p.logger.Warn("Failed to warm grounding", "table", table, "error", err)
		}
	}
}

// Invalidate drops a table's cached grounding.
func (p *Provider) Invalidate(table string) {
	p.mu.Lock()
	delete(p.cache, table)
	p.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Entries = len(p.cache)
	return s
}
