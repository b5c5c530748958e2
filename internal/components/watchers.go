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

var watcherForeignKeys = []foreignKeyRef{
	{"user_id", "user", true},
	{"work_package_id", "work_package", true},
}

// Watchers migrates each Jira issue's watcher list to OpenProject work
// package watchers. Jira Server doesn't embed watchers in the standard
// issue payload, so Extract issues one ListWatchers call per issue
// (acceptable since the count of watched issues is small relative to
// the issue total).
type Watchers struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewWatchers(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *Watchers {
	return &Watchers{
		railsLoader: newRailsLoader("watchers", "watchers", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    100,
	}
}

func (w *Watchers) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, w.jira, issueJQL(w.projectKeys), batchIndex, w.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "watchers", Err: err}
	}

	var records []SourceRecord
	for _, issue := range issues {
		watchers, err := w.jira.ListWatchers(ctx, issue.Key)
		if err != nil {
			return nil, false, &ExtractError{Component: "watchers", Err: err}
		}
		for _, wt := range watchers {
			records = append(records, SourceRecord{
				OriginKey: issue.Key + ":watcher:" + wt.AccountID,
				Data:      map[string]any{"watcher": wt.AccountID, "issue": issue.Key},
			})
		}
	}
	return records, more, nil
}

func (w *Watchers) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("watcher", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: watchers: %w", err)
	}
	if err := resolveForeignKeys(ctx, w.provenance, mapped, watcherForeignKeys); err != nil {
		return nil, fmt.Errorf("components: watchers: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
