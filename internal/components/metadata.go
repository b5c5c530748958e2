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

// metadataComponent implements Extract/MapRecord for the instance-wide
// reference-data entities that share one shape: fetch once from a
// single Jira metadata endpoint, sanitize through one schema, load
// through one body template. custom_fields, issue_types, statuses,
// priorities, and labels are all this shape (spec.md §4.6.2's second
// layer, minus the two project-scoped entities handled separately in
// versions.go).
type metadataComponent struct {
	railsLoader
	jira         jiraclient.Client
	metadataKind string
	entityType   string
	keyField     string

	// transform, when set, adapts Jira's raw metadata object shape to
	// the flat keys the entity's sanitize schema expects (e.g. lifting
	// a nested schema.type up to a top-level field).
	transform func(map[string]any) map[string]any
}

func newMetadataComponent(component, metadataKind, entityType, keyField string, jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *metadataComponent {
	return &metadataComponent{
		railsLoader:  newRailsLoader(component, component, composer, eval, cp, prov, logger, metrics),
		jira:         jira,
		metadataKind: metadataKind,
		entityType:   entityType,
		keyField:     keyField,
	}
}

func (m *metadataComponent) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	if batchIndex > 0 {
		return nil, false, nil
	}

	items, err := m.jira.ListMetadata(ctx, m.metadataKind, "")
	if err != nil {
		return nil, false, &ExtractError{Component: m.component, Err: err}
	}

	records := make([]SourceRecord, 0, len(items))
	for _, item := range items {
		key := stringField(item, m.keyField)
		data := item
		if m.transform != nil {
			data = m.transform(item)
		}
		records = append(records, SourceRecord{OriginKey: key, Data: data})
	}
	return records, false, nil
}

func (m *metadataComponent) MapRecord(_ context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map(m.entityType, rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: %s: %w", m.component, err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}

func stringField(item map[string]any, field string) string {
	if v, ok := item[field].(string); ok {
		return v
	}
	return ""
}

// NewCustomFields migrates Jira custom field definitions to
// OpenProject custom fields.
func NewCustomFields(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	c := newMetadataComponent("custom_fields", jiraclient.MetadataCustomFields, "custom_field", "id", jira, composer, eval, cp, prov, logger, metrics)
	c.transform = func(item map[string]any) map[string]any {
		out := make(map[string]any, len(item)+1)
		for k, v := range item {
			out[k] = v
		}
		if schema, ok := item["schema"].(map[string]any); ok {
			out["schemaType"], _ = schema["type"].(string)
		}
		return out
	}
	return c
}

// NewIssueTypes migrates Jira issue types to OpenProject work package types.
func NewIssueTypes(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return newMetadataComponent("issue_types", jiraclient.MetadataIssueTypes, "issue_type", "id", jira, composer, eval, cp, prov, logger, metrics)
}

// NewStatuses migrates Jira statuses to OpenProject statuses.
func NewStatuses(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return newMetadataComponent("statuses", jiraclient.MetadataStatuses, "status", "id", jira, composer, eval, cp, prov, logger, metrics)
}

// NewPriorities migrates Jira priorities to OpenProject priorities.
func NewPriorities(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return newMetadataComponent("priorities", jiraclient.MetadataPriorities, "priority", "id", jira, composer, eval, cp, prov, logger, metrics)
}

// NewWorkflows migrates Jira workflow definitions to OpenProject
// workflows. OpenProject has no named-workflow entity, so the Jira
// workflows are not stored one by one: the Load body replaces every
// type-scoped OpenProject workflow row with a baseline that allows
// every status transition for every type and role, and reports each
// Jira workflow as skipped.
func NewWorkflows(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return newMetadataComponent("workflows", jiraclient.MetadataWorkflows, "workflow", "name", jira, composer, eval, cp, prov, logger, metrics)
}

// NewLabels migrates the distinct set of Jira labels in use to
// OpenProject work package tags. Jira's /label endpoint returns bare
// label strings rather than objects, so the label name is both the key
// field and the only attribute.
func NewLabels(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) Component {
	return newMetadataComponent("labels", jiraclient.MetadataLabels, "label", "name", jira, composer, eval, cp, prov, logger, metrics)
}
