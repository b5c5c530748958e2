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

var relationForeignKeys = []foreignKeyRef{
	{"from_id", "work_package", true},
	{"to_id", "work_package", true},
}

// relationTypeMap translates Jira's link type names to OpenProject's
// fixed relation_type enum. Anything not named here falls back to
// "relates", OpenProject's catch-all.
var relationTypeMap = map[string]string{
	"Blocks":     "blocks",
	"Duplicate":  "duplicates",
	"Cloners":    "duplicates",
	"Dependency": "precedes",
	"Relates":    "relates",
}

func relationType(jiraTypeName string, outward bool) string {
	t, ok := relationTypeMap[jiraTypeName]
	if !ok {
		return "relates"
	}
	if t == "blocks" && !outward {
		return "blocked"
	}
	if t == "precedes" && !outward {
		return "follows"
	}
	return t
}

// Relations migrates Jira issue links to OpenProject work package
// relations. Each Jira link appears on both issues it connects, once
// as the outward side and once as the inward side; Extract emits only
// the outward occurrence so each link produces exactly one relation.
type Relations struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewRelations(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *Relations {
	return &Relations{
		railsLoader: newRailsLoader("relations", "relations", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    100,
	}
}

func (r *Relations) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, r.jira, issueJQL(r.projectKeys), batchIndex, r.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "relations", Err: err}
	}

	var records []SourceRecord
	for _, issue := range issues {
		for i, link := range issue.Links {
			if !link.Outward {
				continue
			}
			records = append(records, SourceRecord{
				OriginKey: fmt.Sprintf("%s:link:%d", issue.Key, i),
				Data: map[string]any{
					"fromIssue":    issue.Key,
					"toIssue":      link.OtherKey,
					"relationType": relationType(link.TypeName, true),
				},
			})
		}
	}
	return records, more, nil
}

func (r *Relations) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("relation", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: relations: %w", err)
	}
	if err := resolveForeignKeys(ctx, r.provenance, mapped, relationForeignKeys); err != nil {
		return nil, fmt.Errorf("components: relations: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
