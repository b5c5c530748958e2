package components

import (
	"context"
	"fmt"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// Groups migrates Jira groups, created if absent, with memberships
// reconciled idempotently by the group body template (spec.md §4.6.5).
type Groups struct {
	railsLoader
	jira jiraclient.Client
}

func NewGroups(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *Groups {
	return &Groups{
		railsLoader: newRailsLoader("groups", "groups", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
	}
}

// Extract returns every Jira group in one batch; group counts on Jira
// Server instances are small enough that pagination buys nothing.
func (g *Groups) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	if batchIndex > 0 {
		return nil, false, nil
	}

	groups, err := g.jira.ListMetadata(ctx, jiraclient.MetadataGroups, "")
	if err != nil {
		return nil, false, &ExtractError{Component: "groups", Err: err}
	}

	records := make([]SourceRecord, 0, len(groups))
	for _, grp := range groups {
		name, _ := grp["name"].(string)
		records = append(records, SourceRecord{OriginKey: name, Data: grp})
	}
	return records, false, nil
}

func (g *Groups) MapRecord(_ context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("group", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: groups: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
