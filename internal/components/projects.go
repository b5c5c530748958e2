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

// Projects migrates Jira projects to OpenProject sub-projects under a
// configured parent, lead assigned as admin member, core modules
// ensured enabled (spec.md §4.6.5).
type Projects struct {
	railsLoader
	jira             jiraclient.Client
	parentIdentifier string
}

func NewProjects(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics, parentIdentifier string) *Projects {
	p := &Projects{
		railsLoader:      newRailsLoader("projects", "projects", composer, eval, cp, prov, logger, metrics),
		jira:             jira,
		parentIdentifier: parentIdentifier,
	}
	p.railsLoader.extraPayload = func() map[string]any {
		return map[string]any{"parent_identifier": p.parentIdentifier}
	}
	return p
}

func (p *Projects) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	if batchIndex > 0 {
		return nil, false, nil
	}

	projects, err := p.jira.ListProjects(ctx)
	if err != nil {
		return nil, false, &ExtractError{Component: "projects", Err: err}
	}

	records := make([]SourceRecord, 0, len(projects))
	for _, proj := range projects {
		records = append(records, SourceRecord{
			OriginKey: proj.Key,
			Data: map[string]any{
				"key":         proj.Key,
				"name":        proj.Name,
				"description": proj.Description,
				"lead":        proj.LeadKey,
			},
		})
	}
	return records, false, nil
}

func (p *Projects) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("project", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: projects: %w", err)
	}

	if leadKey, ok := mapped.Attributes["lead_user_id"].(string); ok && leadKey != "" {
		if id, found, err := p.provenance.FindByProvenance(ctx, "user", leadKey); err != nil {
			return nil, fmt.Errorf("components: projects: resolve lead: %w", err)
		} else if found {
			mapped.Attributes["lead_user_id"] = id
		} else {
			delete(mapped.Attributes, "lead_user_id")
		}
	}

	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
