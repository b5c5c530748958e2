package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/components"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/sanitize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComponent serves a fixed number of batches of n records each,
// recording every Load call it receives.
type fakeComponent struct {
	name       string
	batches    [][]components.SourceRecord
	loadCalled []int

	mu sync.Mutex
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Extract(ctx context.Context, batchIndex int) ([]components.SourceRecord, bool, error) {
	if batchIndex >= len(f.batches) {
		return nil, false, nil
	}
	return f.batches[batchIndex], batchIndex < len(f.batches)-1, nil
}

func (f *fakeComponent) MapRecord(ctx context.Context, rec components.SourceRecord) (*sanitize.MappedRecord, error) {
	return &sanitize.MappedRecord{EntityType: f.name, OriginKey: rec.OriginKey, Attributes: rec.Data}, nil
}

func (f *fakeComponent) Load(ctx context.Context, batch components.Batch) (*components.LoadReport, error) {
	f.mu.Lock()
	f.loadCalled = append(f.loadCalled, batch.Index)
	f.mu.Unlock()
	return &components.LoadReport{Created: len(batch.Records)}, nil
}

func newTestOrchestrator(t *testing.T, registry map[string]components.Component) *Orchestrator {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	cp, err := checkpoint.Open(":memory:", logger, observability.NewMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	return New(registry, cp, logger, observability.NewMetrics(), nil)
}

func TestRunProcessesAllBatches(t *testing.T) {
	comp := &fakeComponent{
		name: "users",
		batches: [][]components.SourceRecord{
			{{OriginKey: "u1", Data: map[string]any{"a": 1}}},
			{{OriginKey: "u2", Data: map[string]any{"a": 2}}},
		},
	}

	orch := newTestOrchestrator(t, map[string]components.Component{"users": comp})

	results, err := orch.Run(context.Background(), Options{Components: []string{"users"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Report.Created)
	assert.Equal(t, []int{0, 1}, comp.loadCalled)
}

func TestRunDryRunSkipsLoad(t *testing.T) {
	comp := &fakeComponent{
		name:    "users",
		batches: [][]components.SourceRecord{{{OriginKey: "u1", Data: map[string]any{"a": 1}}}},
	}

	orch := newTestOrchestrator(t, map[string]components.Component{"users": comp})

	results, err := orch.Run(context.Background(), Options{Components: []string{"users"}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, results[0].Report.Created)
	assert.Empty(t, comp.loadCalled)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	comp := &fakeComponent{
		name:    "users",
		batches: [][]components.SourceRecord{{{OriginKey: "u1", Data: map[string]any{"a": 1}}}},
	}

	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	cp, err := checkpoint.Open(":memory:", logger, observability.NewMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })

	var events []Event
	var mu sync.Mutex
	sink := SinkFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	orch := New(map[string]components.Component{"users": comp}, cp, logger, observability.NewMetrics(), sink)
	_, err = orch.Run(context.Background(), Options{Components: []string{"users"}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, EventComponentStarted, events[0].Kind)
	assert.Equal(t, EventComponentFinished, events[len(events)-1].Kind)
}
