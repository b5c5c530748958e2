package components

import (
	"context"
	"fmt"
	"sync"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// attachmentDownloadConcurrency bounds how many Jira attachment
// downloads (and their container transfers) run at once per batch.
const attachmentDownloadConcurrency = 8

var attachmentForeignKeys = []foreignKeyRef{
	{"author_id", "user", false},
	{"work_package_id", "work_package", true},
}

// Attachments migrates Jira issue attachments. Extract records each
// attachment's metadata with content_path holding the Jira attachment
// id (not yet a file); Load downloads the binary and transfers it into
// the target container before running the body template, since the
// upload must preserve the original author and timestamp and so can't
// go through OpenProject's normal HTTP upload endpoint (spec.md
// §4.6.5).
type Attachments struct {
	railsLoader
	jira        jiraclient.Client
	projectKeys []string
	pageSize    int
}

func NewAttachments(jira jiraclient.Client, projectKeys []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *Attachments {
	return &Attachments{
		railsLoader: newRailsLoader("attachments", "attachments", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		projectKeys: projectKeys,
		pageSize:    50,
	}
}

func (a *Attachments) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, a.jira, issueJQL(a.projectKeys), batchIndex, a.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "attachments", Err: err}
	}

	var records []SourceRecord
	for _, issue := range issues {
		for _, att := range issue.Attachments {
			records = append(records, SourceRecord{
				OriginKey: issue.Key + ":attachment:" + att.ID,
				Data: map[string]any{
					"filename": att.Filename,
					"author":   att.AuthorAccountID,
					"created":  att.Created.UTC().Format("2006-01-02T15:04:05Z07:00"),
					"issue":    issue.Key,
					"content":  att.ID,
				},
			})
		}
	}
	return records, more, nil
}

func (a *Attachments) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("attachment", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: attachments: %w", err)
	}
	if err := resolveForeignKeys(ctx, a.provenance, mapped, attachmentForeignKeys); err != nil {
		return nil, fmt.Errorf("components: attachments: %w", err)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, ""))
	return mapped, nil
}

// Load downloads each record's attachment binary from Jira and copies
// it into the target container at a per-record temp path, rewrites
// content_path from the Jira attachment id to that remote path, then
// delegates to the generic railsLoader.Load for script composition,
// execution, and checkpoint advancement. Download and transfer run
// together per record, with up to attachmentDownloadConcurrency records
// in flight at once (spec.md §4.6.5); the body template only runs once
// every record in the batch has finished.
func (a *Attachments) Load(ctx context.Context, batch Batch) (*LoadReport, error) {
	sem := make(chan struct{}, attachmentDownloadConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, rec := range batch.Records {
		rec := rec
		attachmentID, _ := rec.Attributes["content_path"].(string)
		if attachmentID == "" {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := a.jira.DownloadAttachment(ctx, attachmentID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("components: attachments: download %s: %w", rec.OriginKey, err)
				}
				mu.Unlock()
				return
			}

			remotePath := fmt.Sprintf("/tmp/j2o_attachment_%s", attachmentID)
			if err := a.eval.TransferFileIn(ctx, data, remotePath); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("components: attachments: transfer %s: %w", rec.OriginKey, err)
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			rec.Attributes["content_path"] = remotePath
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	return a.railsLoader.Load(ctx, batch)
}
