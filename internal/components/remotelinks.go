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

var remoteLinkForeignKeys = []foreignKeyRef{
	{"work_package_id", "work_package", true},
}

// RemoteLinks migrates each Jira issue's remote (web) links to Markdown
// link lines appended to the OpenProject work package description
// (a URL already present there is not added again). Like Watchers, remote
// links are not embedded in the standard issue payload and require one
// extra REST call per issue.
type RemoteLinks struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewRemoteLinks(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *RemoteLinks {
	return &RemoteLinks{
		railsLoader: newRailsLoader("remote_links", "remote_links", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    100,
	}
}

func (r *RemoteLinks) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, r.jira, issueJQL(r.projectKeys), batchIndex, r.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "remote_links", Err: err}
	}

	var records []SourceRecord
	for _, issue := range issues {
		links, err := r.jira.ListRemoteLinks(ctx, issue.Key)
		if err != nil {
			return nil, false, &ExtractError{Component: "remote_links", Err: err}
		}
		for _, link := range links {
			records = append(records, SourceRecord{
				OriginKey: issue.Key + ":remotelink:" + link.ID,
				Data:      map[string]any{"url": link.URL, "title": link.Title, "issue": issue.Key},
			})
		}
	}
	return records, more, nil
}

func (r *RemoteLinks) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("remote_link", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: remote_links: %w", err)
	}
	if err := resolveForeignKeys(ctx, r.provenance, mapped, remoteLinkForeignKeys); err != nil {
		return nil, fmt.Errorf("components: remote_links: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}
