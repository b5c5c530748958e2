package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/journal"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// changelogFieldEntity names the provenance entity type a changelog
// field's Jira-side from/to identifier resolves against, for the
// fields whose journal value must end up an OpenProject foreign key
// rather than a Jira display string.
var changelogFieldEntity = map[string]string{
	"status":    "status",
	"priority":  "priority",
	"issuetype": "issue_type",
	"assignee":  "user",
	"reporter":  "user",
}

// WorkPackagesContent is Phase 2 of the two-phase work package
// migration (spec.md §4.6.3): using the full origin_key → target_id
// mapping Phase 1 produced, it fills in description (with inline Jira
// key references rewritten to work-package ids), custom field values,
// and the reconstructed journal history (spec.md §4.6.4).
type WorkPackagesContent struct {
	railsLoader
	jira                jiraclient.Client
	projectKeys         []string
	pageSize            int
	fallbackAdminUserID int
	trackedCustomFields map[string]bool
}

func NewWorkPackagesContent(jira jiraclient.Client, projectKeys []string, fallbackAdminUserID int, trackedCustomFields []string, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics) *WorkPackagesContent {
	tracked := make(map[string]bool, len(trackedCustomFields))
	for _, f := range trackedCustomFields {
		tracked[f] = true
	}
	return &WorkPackagesContent{
		railsLoader:         newRailsLoader("work_packages_content", "work_packages_content", composer, eval, cp, prov, logger, metrics),
		jira:                jira,
		projectKeys:         projectKeys,
		pageSize:            50,
		fallbackAdminUserID: fallbackAdminUserID,
		trackedCustomFields: tracked,
	}
}

func (w *WorkPackagesContent) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	issues, more, err := fetchIssuePage(ctx, w.jira, issueJQL(w.projectKeys), batchIndex, w.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "work_packages_content", Err: err}
	}

	records := make([]SourceRecord, 0, len(issues))
	for _, issue := range issues {
		records = append(records, SourceRecord{OriginKey: issue.Key, Data: map[string]any{"issue": issue}})
	}
	return records, more, nil
}

// MapRecord builds the full content row: resolved description, custom
// field values, and reconstructed journal rows. It performs I/O
// (provenance resolution) unlike sanitize.Map proper, since resolving
// Jira keys against already-migrated targets is exactly what Phase 2
// exists to do.
func (w *WorkPackagesContent) MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	issue, ok := rec.Data["issue"].(jiraclient.Issue)
	if !ok {
		return nil, fmt.Errorf("components: work_packages_content: %s: missing issue payload", rec.OriginKey)
	}

	targetID, found, err := w.provenance.FindByProvenance(ctx, "work_package", rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_content: %s: resolve target: %w", rec.OriginKey, err)
	}
	if !found {
		return nil, fmt.Errorf("components: work_packages_content: %s: no Phase 1 mapping found", rec.OriginKey)
	}

	description := sanitize.JiraWikiToMarkdown(stringAttr(issue.Fields, "description"))
	description = w.rewriteInlineRefs(ctx, description)

	customFieldValues := map[string]any{}
	for k, v := range issue.Fields {
		if !strings.HasPrefix(k, "customfield_") {
			continue
		}
		cfID, found, err := w.provenance.FindByProvenance(ctx, "custom_field", k)
		if err != nil {
			return nil, fmt.Errorf("components: work_packages_content: %s: resolve custom field %s: %w", rec.OriginKey, k, err)
		}
		if found {
			customFieldValues[strconv.Itoa(cfID)] = v
		}
	}

	currentState, err := w.resolvedState(ctx, issue.Fields)
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_content: %s: resolve current state: %w", rec.OriginKey, err)
	}

	creationState := w.inferCreationState(currentState, issue.Changelog)

	input, err := w.buildJournalInput(ctx, issue, creationState, currentState)
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_content: %s: build journal input: %w", rec.OriginKey, err)
	}

	result, err := journal.Reconstruct(*input, func() { w.metrics.RecordTimestampCollision() })
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_content: %s: reconstruct journal: %w", rec.OriginKey, err)
	}

	journalRows := make([]map[string]any, 0, len(result.Rows))
	for _, op := range result.Rows {
		row := map[string]any{
			"author_id":      op.UserID,
			"notes":          op.Notes,
			"begin":          op.Begin.Format("2006-01-02T15:04:05Z07:00"),
			"state_snapshot": op.StateSnapshot,
			"field_changes":  flattenFieldChanges(op.FieldChanges),
		}
		if !op.End.IsZero() {
			row["end"] = op.End.Format("2006-01-02T15:04:05Z07:00")
		} else {
			row["end"] = nil
		}
		if len(op.CFStateSnapshot) > 0 {
			row["cf_state_snapshot"] = op.CFStateSnapshot
		}
		journalRows = append(journalRows, row)
	}
	w.metrics.RecordJournalRows("total", len(journalRows))

	mapped := &sanitize.MappedRecord{
		EntityType: "work_package",
		OriginKey:  rec.OriginKey,
		Attributes: map[string]any{
			"target_id":           targetID,
			"description":         description,
			"custom_field_values": customFieldValues,
			"journal_rows":        journalRows,
		},
	}
	return mapped, nil
}

func flattenFieldChanges(changes map[string]journal.FieldChange) map[string]map[string]any {
	out := make(map[string]map[string]any, len(changes))
	for field, change := range changes {
		out[field] = map[string]any{"old": change.Old, "new": change.New}
	}
	return out
}

// resolvedState maps an issue's current Jira field values to the
// work_package attribute state (status_id/type_id/priority_id/
// project_id/author_id/assigned_to_id), with every foreign key already
// resolved to its OpenProject id (the same shape Phase 1 wrote as the
// skeleton's creation state).
func (w *WorkPackagesContent) resolvedState(ctx context.Context, fields map[string]any) (map[string]any, error) {
	mapped, err := sanitize.Map("issue", fields, "")
	if err != nil {
		var mErr *sanitize.MappingError
		if !errors.As(err, &mErr) {
			return nil, err
		}
		mapped = &sanitize.MappedRecord{Attributes: map[string]any{}}
	}
	if err := resolveForeignKeys(ctx, w.provenance, mapped, workPackageForeignKeys); err != nil {
		return nil, err
	}
	delete(mapped.Attributes, "subject")
	delete(mapped.Attributes, "description")
	return mapped.Attributes, nil
}

// inferCreationState derives the work package's state immediately
// after Phase 1 creation by replaying the changelog backward from the
// current state: Jira never exposes a "state at creation" snapshot
// directly, but a changelog event's from-value is exactly the prior
// state of that field.
func (w *WorkPackagesContent) inferCreationState(currentState map[string]any, changelog []jiraclient.ChangelogHistory) map[string]any {
	state := make(map[string]any, len(currentState))
	for k, v := range currentState {
		state[k] = v
	}

	sorted := make([]jiraclient.ChangelogHistory, len(changelog))
	copy(sorted, changelog)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Created.After(sorted[j].Created) })

	for _, ev := range sorted {
		for _, item := range ev.Items {
			target, ok := sanitize.FieldMapper("issue")(item.Field)
			if !ok {
				continue
			}
			if _, tracked := workPackageForeignKeyAttrs[target]; !tracked {
				continue
			}
			if item.From != "" {
				if id, ferr := strconv.Atoi(item.From); ferr == nil {
					state[target] = id
				}
			}
		}
	}
	return state
}

var workPackageForeignKeyAttrs = map[string]bool{
	"type_id": true, "status_id": true, "priority_id": true,
	"project_id": true, "author_id": true, "assigned_to_id": true,
}

func (w *WorkPackagesContent) buildJournalInput(ctx context.Context, issue jiraclient.Issue, creationState, currentState map[string]any) (*journal.Input, error) {
	comments := make([]journal.Comment, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		userID, _, err := w.provenance.FindByProvenance(ctx, "user", c.AuthorAccountID)
		if err != nil {
			return nil, err
		}
		comments = append(comments, journal.Comment{
			AuthorUserID: userID,
			Created:      c.Created,
			Body:         sanitize.JiraWikiToMarkdown(c.Body),
		})
	}

	changelog := make([]journal.ChangelogEvent, 0, len(issue.Changelog))
	for _, ev := range issue.Changelog {
		authorID, _, err := w.provenance.FindByProvenance(ctx, "user", ev.AuthorAccountID)
		if err != nil {
			return nil, err
		}

		items := make([]journal.ChangeItem, 0, len(ev.Items))
		for _, item := range ev.Items {
			from, to := item.FromString, item.ToString
			if entityType, ok := changelogFieldEntity[item.Field]; ok {
				if item.From != "" {
					if id, found, _ := w.provenance.FindByProvenance(ctx, entityType, item.From); found {
						from = strconv.Itoa(id)
					}
				}
				if item.To != "" {
					if id, found, _ := w.provenance.FindByProvenance(ctx, entityType, item.To); found {
						to = strconv.Itoa(id)
					}
				}
			}
			items = append(items, journal.ChangeItem{Field: item.Field, FromString: from, ToString: to})
		}

		changelog = append(changelog, journal.ChangelogEvent{
			AuthorUserID: authorID,
			Created:      ev.Created,
			Items:        items,
		})
	}

	reporterID := 0
	if reporterKey := stringAttr(issue.Fields, "reporter"); reporterKey != "" {
		reporterID, _, _ = w.provenance.FindByProvenance(ctx, "user", reporterKey)
	}

	return &journal.Input{
		WorkPackageAuthorID: reporterID,
		SystemDeletedUserID: w.fallbackAdminUserID,
		CreationState:       creationState,
		CurrentState:        currentState,
		Comments:            comments,
		Changelog:           changelog,
		FieldMapper:         sanitize.FieldMapper("issue"),
		TrackedCustomFields: w.trackedCustomFields,
	}, nil
}

func (w *WorkPackagesContent) rewriteInlineRefs(ctx context.Context, text string) string {
	return RewriteInlineRefs(text, func(key string) (int, bool) {
		id, found, err := w.provenance.FindByProvenance(ctx, "work_package", key)
		if err != nil {
			return 0, false
		}
		return id, found
	})
}

func stringAttr(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

// Load composes and executes the work_packages_content body template,
// whose payload shape ({"work_packages": [...]}) and per-row result
// shape ({target_id, journal_count}) differ from the generic
// railsLoader row-in/row-out contract, so it is implemented directly
// here rather than through the embedded railsLoader.Load.
func (w *WorkPackagesContent) Load(ctx context.Context, batch Batch) (*LoadReport, error) {
	rows := make([]map[string]any, 0, len(batch.Records))
	for _, rec := range batch.Records {
		flat := map[string]any{"origin_key": rec.OriginKey}
		for k, v := range rec.Attributes {
			flat[k] = v
		}
		rows = append(rows, flat)
	}

	payload, err := json.Marshal(map[string]any{"work_packages": rows})
	if err != nil {
		return nil, fmt.Errorf("components: work_packages_content: marshal batch: %w", err)
	}

	result, err := w.eval.ExecuteModel(ctx, w.composer, w.model, w.component, batch.Index, true, payload, 10*time.Minute)
	if err != nil {
		w.metrics.RecordBatch(w.component, "load", "error")
		return nil, fmt.Errorf("components: work_packages_content: execute: %w", err)
	}

	var outcomes []struct {
		TargetID     int `json:"target_id"`
		JournalCount int `json:"journal_count"`
	}
	if err := json.Unmarshal(result.Raw, &outcomes); err != nil {
		w.metrics.RecordBatch(w.component, "load", "error")
		return nil, fmt.Errorf("components: work_packages_content: decode result: %w", err)
	}

	report := &LoadReport{Updated: len(outcomes)}
	w.metrics.RecordRecords(w.component, "loaded", len(outcomes))
	w.metrics.RecordBatch(w.component, "load", "ok")

	if err := w.checkpoint.Advance(w.component, batch.Index, ""); err != nil {
		return nil, fmt.Errorf("components: work_packages_content: advance checkpoint: %w", err)
	}

	return report, nil
}
