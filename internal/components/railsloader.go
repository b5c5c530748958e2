package components

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"go.uber.org/zap"
)

// remoteRow is one row of the generic Load result every body template
// (other than work_packages_content, which has a richer shape) emits:
// one outcome per input record, in input order.
type remoteRow struct {
	OriginKey string `json:"origin_key"`
	TargetID  int    `json:"target_id"`
	Outcome   string `json:"outcome"` // "created" | "updated" | "skipped" | "failed"
	Error     string `json:"error,omitempty"`
}

// railsLoader implements the Load half of the shared contract for any
// component whose body template follows the generic row-in/row-out
// shape: read J2O_INPUT_PATH rows, find-or-create/update per row,
// emit one remoteRow per input row as JSON_OUTPUT_START/END.
//
// Concrete components embed railsLoader and supply their own
// Extract/MapRecord.
type railsLoader struct {
	component  string
	model      string
	composer   *railsgen.Composer
	eval       *evaluator.Client
	checkpoint *checkpoint.Store
	provenance *provenance.Store
	logger     *observability.Logger
	metrics    *observability.Metrics
	timeout    time.Duration

	// extraPayload, when set, supplies additional top-level keys merged
	// into the JSON payload alongside "rows" (e.g. projects' parent
	// project identifier).
	extraPayload func() map[string]any
}

func newRailsLoader(component, model string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) railsLoader {
	return railsLoader{
		component:  component,
		model:      model,
		composer:   composer,
		eval:       eval,
		checkpoint: cp,
		provenance: prov,
		logger:     logger,
		metrics:    metrics,
		timeout:    5 * time.Minute,
	}
}

func (l railsLoader) Name() string { return l.component }

// Load composes and executes the component's body template against
// batch.Records, tallies the per-row outcomes, then advances the
// checkpoint. Rows with a target id call provenance.Invalidate with the
// component name; the provenance cache is keyed by entity type, so no
// cached entry is dropped by it.
func (l railsLoader) Load(ctx context.Context, batch Batch) (*LoadReport, error) {
	body := map[string]any{"rows": batch.Records}
	if l.extraPayload != nil {
		for k, v := range l.extraPayload() {
			body[k] = v
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("components: %s: marshal batch: %w", l.component, err)
	}

	result, err := l.eval.ExecuteModel(ctx, l.composer, l.model, l.component, batch.Index, false, payload, l.timeout)
	if err != nil {
		l.metrics.RecordBatch(l.component, "load", "error")
		return nil, fmt.Errorf("components: %s: execute: %w", l.component, err)
	}

	var rows []remoteRow
	if err := json.Unmarshal(result.Raw, &rows); err != nil {
		l.metrics.RecordBatch(l.component, "load", "error")
		return nil, fmt.Errorf("components: %s: decode result: %w", l.component, err)
	}

	report := &LoadReport{}
	for _, row := range rows {
		switch row.Outcome {
		case "created":
			report.Created++
		case "updated":
			report.Updated++
		case "skipped":
			report.Skipped++
		default:
			report.Failed++
			l.logger.Warn("components: row failed", zap.String("component", l.component), zap.String("origin_key", row.OriginKey), zap.String("error", row.Error))
			continue
		}
		if row.TargetID != 0 {
			l.provenance.Invalidate(l.component)
		}
	}

	l.metrics.RecordRecords(l.component, "loaded", report.Created+report.Updated)
	l.metrics.RecordBatch(l.component, "load", "ok")

	if err := l.checkpoint.Advance(l.component, batch.Index, ""); err != nil {
		return nil, fmt.Errorf("components: %s: advance checkpoint: %w", l.component, err)
	}

	return report, nil
}
