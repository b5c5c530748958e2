package components

import (
	"context"
	"fmt"
	"regexp"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// issueKeyRe matches a bare Jira issue key (e.g. PROJ-123) inside free
// text. Project keys are two or more uppercase letters/digits starting
// with a letter, per Jira's own key format.
var issueKeyRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-[0-9]+)\b`)

// RewriteInlineRefs replaces every Jira issue key found in text with
// "WP#<id>" using resolve to look up each key's target work package
// id. A key resolve can't find (not yet migrated, or out of scope) is
// left untouched (spec.md §4.6.3 only requires rewriting references
// that exist on the target side).
func RewriteInlineRefs(text string, resolve func(key string) (int, bool)) string {
	return issueKeyRe.ReplaceAllStringFunc(text, func(match string) string {
		key := issueKeyRe.FindStringSubmatch(match)[1]
		id, ok := resolve(key)
		if !ok {
			return match
		}
		return fmt.Sprintf("WP#%d", id)
	})
}

// InlineRefs is the dependency graph's final pass (spec.md §4.6.2):
// after every work package exists, it re-reads each issue's description
// (comments are not rescanned) for any issue key that Phase 2 left
// unrewritten; typically a reference to an issue outside this run's
// project filter that has since been migrated in a later run, or that
// only now has a resolvable target because this run's own Phase 2
// completed out of key order within a batch.
type InlineRefs struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewInlineRefs(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *InlineRefs {
	return &InlineRefs{
		railsLoader: newRailsLoader("inline_refs", "inline_refs", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    200,
	}
}

func (r *InlineRefs) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, r.jira, issueJQL(r.projectKeys), batchIndex, r.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "inline_refs", Err: err}
	}

	records := make([]SourceRecord, 0, len(issues))
	for _, issue := range issues {
		records = append(records, SourceRecord{OriginKey: issue.Key, Data: map[string]any{"description": stringAttr(issue.Fields, "description")}})
	}
	return records, more, nil
}

func (r *InlineRefs) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	targetID, found, err := r.provenance.FindByProvenance(ctx, "work_package", rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: inline_refs: %s: resolve target: %w", rec.OriginKey, err)
	}
	if !found {
		return nil, fmt.Errorf("components: inline_refs: %s: no work package mapping", rec.OriginKey)
	}

	raw := sanitize.JiraWikiToMarkdown(stringOrEmpty(rec.Data["description"]))
	rewritten := RewriteInlineRefs(raw, func(key string) (int, bool) {
		id, found, err := r.provenance.FindByProvenance(ctx, "work_package", key)
		if err != nil {
			return 0, false
		}
		return id, found
	})

	return &sanitize.MappedRecord{
		EntityType: "work_package",
		OriginKey:  rec.OriginKey,
		Attributes: map[string]any{"target_id": targetID, "description": rewritten},
	}, nil
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)
	return s
}
