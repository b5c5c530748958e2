package components

import (
	"context"
	"fmt"
	"strings"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// projectScopedMetadata implements Extract/MapRecord for Jira metadata
// that is fetched per project key rather than instance-wide: fix
// versions and Jira components both live at
// rest/api/2/project/{key}/{kind}. One batch per configured project
// key, matching the orchestrator's bounded-batch-size model loosely
// (project counts are small relative to issue counts).
type projectScopedMetadata struct {
	railsLoader
	jira         jiraclient.Client
	metadataKind string
	entityType   string
	projectKeys  []string
}

func (m *projectScopedMetadata) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	if batchIndex >= len(m.projectKeys) {
		return nil, false, nil
	}
	key := m.projectKeys[batchIndex]

	items, err := m.jira.ListMetadata(ctx, m.metadataKind, key)
	if err != nil {
		return nil, false, &ExtractError{Component: m.component, Err: err}
	}

	records := make([]SourceRecord, 0, len(items))
	for _, item := range items {
		id := stringField(item, "id")
		records = append(records, SourceRecord{OriginKey: key + ":" + id, Data: item})
	}
	return records, batchIndex+1 < len(m.projectKeys), nil
}

func (m *projectScopedMetadata) MapRecord(_ context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map(m.entityType, rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: %s: %w", m.component, err)
	}
	if projectKey, _, ok := strings.Cut(rec.OriginKey, ":"); ok {
		mapped.Attributes["project_identifier"] = projectKey
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}

// NewVersions migrates Jira fix versions to OpenProject versions.
func NewVersions(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return &projectScopedMetadata{
		railsLoader:  newRailsLoader("versions", "versions", composer, eval, cp, prov, logger, metrics),
		jira:         jira,
		metadataKind: jiraclient.MetadataVersions,
		entityType:   "version",
		projectKeys:  projectKeys,
	}
}

// NewJiraComponents migrates Jira project components to OpenProject work package categories.
func NewJiraComponents(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return &projectScopedMetadata{
		railsLoader:  newRailsLoader("components", "jira_components", composer, eval, cp, prov, logger, metrics),
		jira:         jira,
		metadataKind: jiraclient.MetadataComponents,
		entityType:   "component",
		projectKeys:  projectKeys,
	}
}
