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

// timeEntryForeignKeys resolves a time_entry row's worker and issue
// origin keys to their OpenProject user_id/work_package_id.
var timeEntryForeignKeys = []foreignKeyRef{
	{"user_id", "user", true},
	{"work_package_id", "work_package", true},
}

// TimeEntries migrates Jira (Tempo) worklogs to OpenProject time
// entries: dates, durations, and activity types mapped (spec.md
// §4.6.5). One worklog becomes one time entry; Extract iterates every
// issue's embedded worklog list rather than a dedicated endpoint,
// since Jira Server returns worklogs nested under the issue payload.
type TimeEntries struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewTimeEntries(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *TimeEntries {
	return &TimeEntries{
		railsLoader: newRailsLoader("time_entries", "time_entries", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    200,
	}
}

func (t *TimeEntries) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, t.jira, issueJQL(t.projectKeys), batchIndex, t.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "time_entries", Err: err}
	}

	var records []SourceRecord
	for _, issue := range issues {
		for _, wl := range issue.Worklogs {
			records = append(records, SourceRecord{
				OriginKey: issue.Key + ":worklog:" + wl.ID,
				Data: map[string]any{
					"hours":       float64(wl.TimeSpentSeconds) / 3600.0,
					"dateStarted": wl.Started.UTC().Format("2006-01-02"),
					"comment":     wl.Comment,
					"worker":      wl.AuthorAccountID,
					"issue":       issue.Key,
				},
			})
		}
	}
	return records, more, nil
}

func (t *TimeEntries) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("time_entry", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: time_entries: %w", err)
	}
	if err := resolveForeignKeys(ctx, t.provenance, mapped, timeEntryForeignKeys); err != nil {
		return nil, fmt.Errorf("components: time_entries: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
