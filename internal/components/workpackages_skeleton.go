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

// foreignKeyRef names a mapped attribute that holds a Jira origin key
// and the provenance entity type it must be resolved against before
// the row reaches a Rails body template; Ruby never sees a raw Jira
// key for a foreign-key column, only the resolved OpenProject id.
type foreignKeyRef struct {
	attribute  string
	entityType string
	required   bool
}

// resolveForeignKeys replaces each ref's attribute value (a Jira origin
// key) with the corresponding OpenProject id, looked up through prov.
// A missing required reference is a MappingError; a missing optional
// one is simply dropped.
func resolveForeignKeys(ctx context.Context, prov *provenance.Store, mapped *sanitize.MappedRecord, refs []foreignKeyRef) error {
	for _, ref := range refs {
		raw, ok := mapped.Attributes[ref.attribute].(string)
		if !ok || raw == "" {
			if ref.required {
				return &sanitize.MappingError{EntityType: mapped.EntityType, Field: ref.attribute}
			}
			delete(mapped.Attributes, ref.attribute)
			continue
		}

		id, found, err := prov.FindByProvenance(ctx, ref.entityType, raw)
		if err != nil {
			return fmt.Errorf("components: resolve %s: %w", ref.attribute, err)
		}
		if !found {
			if ref.required {
				return &sanitize.MappingError{EntityType: mapped.EntityType, Field: ref.attribute}
			}
			delete(mapped.Attributes, ref.attribute)
			continue
		}
		mapped.Attributes[ref.attribute] = id
	}
	return nil
}

// workPackageForeignKeys is the set of work_package schema attributes
// that carry a Jira origin key rather than a final OpenProject id.
var workPackageForeignKeys = []foreignKeyRef{
	{"type_id", "issue_type", true},
	{"status_id", "status", true},
	{"priority_id", "priority", true},
	{"project_id", "project", true},
	{"author_id", "user", true},
	{"assigned_to_id", "user", false},
}

// WorkPackagesSkeleton is Phase 1 of the two-phase work package
// migration (spec.md §4.6.3): one minimal work package per Jira issue
// (type, status, priority, subject, project, author, assignee and
// ProvenanceTag only). Descriptions,
// custom fields, and journals are deliberately deferred to Phase 2 so
// that cross-issue references can be rewritten once every issue has a
// target id.
type WorkPackagesSkeleton struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewWorkPackagesSkeleton(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *WorkPackagesSkeleton {
	return &WorkPackagesSkeleton{
		railsLoader: newRailsLoader("work_packages_skeleton", "work_packages_skeleton", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    200,
	}
}

func (w *WorkPackagesSkeleton) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, w.jira, issueJQL(w.projectKeys), batchIndex, w.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "work_packages_skeleton", Err: err}
	}

	records := make([]SourceRecord, 0, len(issues))
	for _, issue := range issues {
		records = append(records, SourceRecord{OriginKey: issue.Key, Data: issue.Fields})
	}
	return records, more, nil
}

func (w *WorkPackagesSkeleton) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("issue", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_skeleton: %w", err)
	}

	// Phase 1 never carries a description or custom field values
	// forward; Phase 2 fills those in once every issue has a target id.
	delete(mapped.Attributes, "description")

	if err := resolveForeignKeys(ctx, w.provenance, mapped, workPackageForeignKeys); err != nil {
		return nil, fmt.Errorf("components: work_packages_skeleton: %w", err)
	}

	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
