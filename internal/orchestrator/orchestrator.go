// Package orchestrator implements the L7 Orchestrator: topological
// component ordering, operator filters, sequential Extract/Map/Load of
// each component's batches with a bounded worker pool over the MapRecord
// calls of one batch, and a progress-event sink
// (spec.md §4.7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/components"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/sanitize"
	"go.uber.org/zap"
)

// ComponentResult summarizes one component's full run.
type ComponentResult struct {
	Component string
	Report    components.LoadReport
	Err       error
}

// Options configures one Orchestrator.Run invocation.
type Options struct {
	// Components, if non-empty, restricts the run to these component
	// names (still executed in dependency order). Empty means all
	// components in Order.
	Components []string

	// Order is the topological order to run in; nil selects
	// DefaultOrder().
	Order []string

	// Concurrency bounds how many records of one batch are mapped
	// concurrently. Batches are not pipelined: each is extracted, mapped
	// and loaded before the next is extracted. The Load stage holds the
	// one console session mutex (spec.md §5).
	Concurrency int

	// ContinueOnError keeps running subsequent components after a fatal
	// component error instead of stopping the run, per spec.md §7.
	ContinueOnError bool

	// DryRun runs Extract and MapRecord but skips Load entirely, so
	// nothing is written and every component reports zero counts.
	DryRun bool
}

// Orchestrator runs a fixed registry of named components in dependency
// order.
type Orchestrator struct {
	registry map[string]components.Component
	cp       *checkpoint.Store
	logger   *observability.Logger
	metrics  *observability.Metrics
	sink     Sink
}

// New creates an Orchestrator over registry, keyed by component name
// (registry[name].Name() must equal name).
func New(registry map[string]components.Component, cp *checkpoint.Store, logger *observability.Logger, metrics *observability.Metrics, sink Sink) *Orchestrator {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Orchestrator{registry: registry, cp: cp, logger: logger, metrics: metrics, sink: sink}
}

// Run executes every selected component in topological order, stopping
// at the first fatal component error unless opts.ContinueOnError is set.
func (o *Orchestrator) Run(ctx context.Context, opts Options) ([]ComponentResult, error) {
	order, err := ResolveOrder(opts.Order)
	if err != nil {
		return nil, err
	}

	selected := order
	if len(opts.Components) > 0 {
		want := make(map[string]bool, len(opts.Components))
		for _, c := range opts.Components {
			want[c] = true
		}
		selected = selected[:0]
		for _, name := range order {
			if want[name] {
				selected = append(selected, name)
			}
		}
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}

	var results []ComponentResult
	for _, name := range selected {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		comp, ok := o.registry[name]
		if !ok {
			o.logger.Warn("orchestrator: no component registered, skipping", zap.String("component", name))
			continue
		}

		result := o.runComponent(ctx, comp, concurrency, opts.DryRun)
		results = append(results, result)

		if result.Err != nil && !opts.ContinueOnError {
			return results, fmt.Errorf("orchestrator: component %s: %w", name, result.Err)
		}
	}

	return results, nil
}

// runComponent extracts, maps and loads one batch at a time in ascending
// index order; only the MapRecord calls within a batch run concurrently,
// up to concurrency at once (Load is where the single console session
// mutex lives, so fanning it out would just queue inside the evaluator
// anyway; spec.md §5).
func (o *Orchestrator) runComponent(ctx context.Context, comp components.Component, concurrency int, dryRun bool) ComponentResult {
	name := comp.Name()
	o.logger.Info("orchestrator: component started", zap.String("component", name))
	o.sink.Emit(Event{Kind: EventComponentStarted, Component: name, Timestamp: now()})

	startIdx := 0
	if cp, err := o.cp.Get(name); err == nil && cp != nil {
		startIdx = cp.LastCompletedIdx + 1
	}

	total := components.LoadReport{}
	batchIdx := startIdx
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var firstErr error

	for {
		if firstErr != nil {
			break
		}

		records, hasMore, err := comp.Extract(ctx, batchIdx)
		if err != nil {
			firstErr = err
			o.metrics.RecordBatch(name, "extract", "error")
			break
		}

		if len(records) > 0 {
			mapped, mapErr := o.mapBatch(ctx, comp, records, sem, &mu)
			if mapErr != nil {
				firstErr = mapErr
				break
			}

			if !dryRun && len(mapped) > 0 {
				report, loadErr := comp.Load(ctx, components.Batch{Component: name, Index: batchIdx, Records: mapped})
				if loadErr != nil {
					var fatal *FatalBatchError
					if errors.As(loadErr, &fatal) {
						firstErr = loadErr
						break
					}
					o.logger.Error("orchestrator: batch load failed, continuing", zap.String("component", name), zap.Int("batch", batchIdx), zap.Error(loadErr))
					o.sink.Emit(Event{Kind: EventError, Component: name, Batch: batchIdx, Message: loadErr.Error(), Timestamp: now()})
				} else {
					total.Created += report.Created
					total.Updated += report.Updated
					total.Skipped += report.Skipped
					total.Failed += report.Failed
					o.sink.Emit(Event{
						Kind: EventBatchCompleted, Component: name, Batch: batchIdx,
						Created: report.Created, Updated: report.Updated, Skipped: report.Skipped, Failed: report.Failed,
						Timestamp: now(),
					})
				}
			}
		}

		if !hasMore {
			break
		}
		batchIdx++
	}

	if firstErr != nil {
		o.sink.Emit(Event{Kind: EventError, Component: name, Message: firstErr.Error(), Timestamp: now()})
		return ComponentResult{Component: name, Report: total, Err: firstErr}
	}

	o.logger.Info("orchestrator: component finished", zap.String("component", name),
		zap.Int("created", total.Created), zap.Int("updated", total.Updated),
		zap.Int("skipped", total.Skipped), zap.Int("failed", total.Failed))
	o.sink.Emit(Event{
		Kind: EventComponentFinished, Component: name,
		Created: total.Created, Updated: total.Updated, Skipped: total.Skipped, Failed: total.Failed,
		Timestamp: now(),
	})

	return ComponentResult{Component: name, Report: total}
}

// mapBatch runs MapRecord over records with up to cap(sem) in flight.
// Mapping-kind errors (spec.md §7) are logged and the record is
// dropped, not fatal to the batch; every other error aborts the batch.
func (o *Orchestrator) mapBatch(ctx context.Context, comp components.Component, records []components.SourceRecord, sem chan struct{}, mu *sync.Mutex) ([]*sanitize.MappedRecord, error) {
	mapped := make([]*sanitize.MappedRecord, 0, len(records))
	var wg sync.WaitGroup
	var firstErr error

	for _, rec := range records {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			m, err := comp.MapRecord(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var mapErr *sanitize.MappingError
				if errors.As(err, &mapErr) {
					o.logger.Warn("orchestrator: mapping error, dropping record", zap.String("component", comp.Name()), zap.String("origin_key", rec.OriginKey), zap.Error(err))
					return
				}
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			mapped = append(mapped, m)
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return mapped, nil
}

// FatalBatchError wraps a Load error the orchestrator must treat as
// fatal for the whole component (transport/protocol/configuration
// kinds per spec.md §7), as opposed to a per-row evaluator error the
// component's own LoadReport already accounts for.
type FatalBatchError struct {
	Err error
}

func (e *FatalBatchError) Error() string { return e.Err.Error() }
func (e *FatalBatchError) Unwrap() error { return e.Err }

func now() time.Time { return time.Now().UTC() }
