package grounding

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

type fakeWarehouse struct {
	mu         sync.Mutex
	ddlCalls   atomic.Int64
	ddlErr     error
	profileErr error
	sampleErr  error
	block      chan struct{}
}

func (f *fakeWarehouse) ListTables(ctx context.Context) ([]string, error) {
	return []string{"orders"}, nil
}

func (f *fakeWarehouse) FetchDDL(ctx context.Context, table string) (string, error) {
	f.ddlCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.ddlErr != nil {
		return "", f.ddlErr
	}
	return fmt.Sprintf("CREATE TABLE %s (id INTEGER)", table), nil
}

func (f *fakeWarehouse) FetchProfiles(ctx context.Context, table string) ([]warehouse.ColumnProfile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return []warehouse.ColumnProfile{{Column: "id", Type: "INTEGER", NullRatio: 0, DistinctCount: 10}}, nil
}

func (f *fakeWarehouse) FetchSamples(ctx context.Context, table string, limit int) (*warehouse.ResultSet, error) {
	if f.sampleErr != nil {
		return nil, f.sampleErr
	}
	return &warehouse.ResultSet{Columns: []string{"id"}, Rows: [][]string{{"1"}}}, nil
}

func (f *fakeWarehouse) ExecuteQuery(ctx context.Context, query string) (*warehouse.ResultSet, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeWarehouse) Describe(ctx context.Context, table string) (string, error) {
	return "", nil
}

func (f *fakeWarehouse) Stats(ctx context.Context) (*warehouse.SchemaStats, error) {
	return &warehouse.SchemaStats{NumTables: 1}, nil
}

func (f *fakeWarehouse) Close() error { return nil }

func newTestProvider(fw *fakeWarehouse) *Provider {
	return NewProvider(fw, &config.GroundingConfig{
		TTL:          config.Duration(600 * time.Second),
		SampleRows:   5,
		FetchTimeout: config.Duration(5 * time.Second),
	})
}

func TestGetCachesWithinTTL(t *testing.T) {
	fw := &fakeWarehouse{}
	p := newTestProvider(fw)

	first, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)
	second, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, fw.ddlCalls.Load())

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestGetRefetchesAfterExpiry(t *testing.T) {
	fw := &fakeWarehouse{}
	p := newTestProvider(fw)

	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)

	now = now.Add(601 * time.Second)
	_, err = p.Get(context.Background(), "orders")
	require.NoError(t, err)

	assert.EqualValues(t, 2, fw.ddlCalls.Load())
}

func TestGetDDLFailureIsFatal(t *testing.T) {
	fw := &fakeWarehouse{ddlErr: fmt.Errorf("connection refused")}
	p := newTestProvider(fw)

	_, err := p.Get(context.Background(), "orders")
	var metaErr *MetadataUnavailableError
	require.ErrorAs(t, err, &metaErr)
	assert.Equal(t, "orders", metaErr.Table)
	assert.EqualValues(t, 1, p.Stats().Failures)

	// failures are not cached
	fw.ddlErr = nil
	g, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Contains(t, g.DDL, "CREATE TABLE orders")
}

func TestGetFallsBackToSamples(t *testing.T) {
	fw := &fakeWarehouse{profileErr: fmt.Errorf("no profiles table")}
	p := newTestProvider(fw)

	g, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, g.Profiles)
	assert.Contains(t, g.Samples, "| id |")
	assert.False(t, g.Degraded)
}

func TestGetDegradesToDDLOnly(t *testing.T) {
	fw := &fakeWarehouse{
		profileErr: fmt.Errorf("no profiles table"),
		sampleErr:  fmt.Errorf("permission denied"),
	}
	p := newTestProvider(fw)

	g, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, g.Degraded)
	assert.Contains(t, g.DDL, "CREATE TABLE")
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	fw := &fakeWarehouse{block: make(chan struct{})}
	p := newTestProvider(fw)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*TableGrounding, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := p.Get(context.Background(), "orders")
			assert.NoError(t, err)
			results[i] = g
		}(i)
	}

	// let the goroutines pile up on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(fw.block)
	wg.Wait()

	assert.EqualValues(t, 1, fw.ddlCalls.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

// The flight's result is shared across coalesced callers, so one caller
// giving up must not fail the fetch for everyone else.
func TestGetSurvivesCallerCancellation(t *testing.T) {
	fw := &fakeWarehouse{}
	p := newTestProvider(fw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g, err := p.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, g.DDL, "CREATE TABLE orders")
}

func TestRenderWithProfiles(t *testing.T) {
	g := &TableGrounding{
		Table: "orders",
		DDL:   "CREATE TABLE orders (id INTEGER, customer TEXT)",
		Profiles: []warehouse.ColumnProfile{
			{Column: "customer", Type: "TEXT", NullRatio: 0.1, DistinctCount: 42, Min: "alice", Max: "zed"},
		},
	}
	out := g.Render()
	assert.Contains(t, out, "### Table: orders")
	assert.Contains(t, out, "```sql")
	assert.Contains(t, out, "customer (TEXT): 10% null, 42 distinct, range [alice, zed]")
}

func TestRenderWithSamples(t *testing.T) {
	g := &TableGrounding{
		Table:   "orders",
		DDL:     "CREATE TABLE orders (id INTEGER)",
		Samples: "| id |\n| --- |\n| 1 |",
	}
	out := g.Render()
	assert.Contains(t, out, "Sample rows:")
	assert.Contains(t, out, "| 1 |")
}

func TestInvalidate(t *testing.T) {
	fw := &fakeWarehouse{}
	p := newTestProvider(fw)

	_, err := p.Get(context.Background(), "orders")
	require.NoError(t, err)
	p.Invalidate("orders")

	_, err = p.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fw.ddlCalls.Load())
}
