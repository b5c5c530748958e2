// Package journal implements bulk journal (history) reconstruction for
// work packages: the hardest sub-algorithm in the engine (spec.md
// §4.6.4). Rules 2-9 are implemented as named, testable steps of
// Reconstruct; rule 1 (updating v1 in place) and rule 10 (idempotent
// replay) are carried out by the work_packages_content Load body.
package journal

import (
	"fmt"
	"sort"
	"time"
)

// ChangeItem is one Jira changelog field transition.
type ChangeItem struct {
	Field      string
	FromString string
	ToString   string
}

// ChangelogEvent is one Jira changelog history entry.
type ChangelogEvent struct {
	AuthorUserID int
	Created      time.Time
	Items        []ChangeItem
}

// Comment is one Jira comment.
type Comment struct {
	AuthorUserID int
	Created      time.Time
	Body         string // already converted to Markdown by the caller
}

// Input bundles everything Reconstruct needs for one work package.
type Input struct {
	WorkPackageAuthorID int
	SystemDeletedUserID int

	// CreationState is the work package's attribute state immediately
	// after Phase 1 (skeleton creation); the base progressive state
	// that operations are applied on top of.
	CreationState map[string]any

	// CurrentState is the work package's current (final) attribute
	// state, the source of truth for rule 8's inherited values.
	CurrentState map[string]any

	Comments  []Comment
	Changelog []ChangelogEvent

	// FieldMapper maps a Jira field name to an OpenProject attribute
	// name, or ("", false) if the field has no mapped counterpart and
	// should go through the unmapped-field rescue (rule 2).
	FieldMapper func(jiraField string) (string, bool)

	// TrackedCustomFields names the custom fields whose per-version
	// history is preserved as cf_state_snapshot child rows (rule 9). A
	// field not in this set is folded into state_snapshot only.
	TrackedCustomFields map[string]bool
}

// Result is the reconstructed journal sequence. Rows[0] updates the
// existing v1 row in place; Rows[1:] are appended as v2..vN.
type Result struct {
	Rows []JournalOperation
}

// Reconstruct runs rules 2-9 of the algorithm over input and returns
// the ordered journal rows ready for the work_packages_content Load
// step to replay idempotently.
func Reconstruct(input Input, collisionSink func()) (*Result, error) {
	ops := buildOperations(input)          // rule 2
	sortByTimestamp(ops)                   // rule 3 (producer-side pre-sort)
	applyProgressiveState(ops, input)      // rule 2 (state_snapshot/cf_state_snapshot)
	ops = filterEmptyOperations(ops)       // rule 4
	applyAttributionFallback(ops, input)   // rule 5
	assignValidityPeriods(ops, collisionSink) // rule 6
	ops = dedupeValidityPeriods(ops)       // rule 7
	applyRequiredFields(ops, input)        // rule 8
	applyCustomFieldTracking(ops, input)   // rule 9

	if err := validateContiguous(ops); err != nil {
		return nil, err
	}

	return &Result{Rows: ops}, nil
}

// buildOperations implements rule 2: one operation per comment, one per
// changelog event, with unmapped-field rescue into human-readable notes
// when both notes and mapped field_changes would otherwise be empty.
func buildOperations(input Input) []JournalOperation {
	ops := make([]JournalOperation, 0, len(input.Comments)+len(input.Changelog))

	for _, c := range input.Comments {
		ops = append(ops, JournalOperation{
			Kind:         "comment",
			UserID:       c.AuthorUserID,
			Timestamp:    c.Created.UTC(),
			Notes:        c.Body,
			FieldChanges: map[string]FieldChange{},
		})
	}

	for _, ev := range input.Changelog {
		changes := map[string]FieldChange{}
		var unmapped []string

		for _, item := range ev.Items {
			if input.FieldMapper == nil {
				unmapped = append(unmapped, renderUnmappedChange(item))
				continue
			}
			target, ok := input.FieldMapper(item.Field)
			if !ok {
				unmapped = append(unmapped, renderUnmappedChange(item))
				continue
			}
			changes[target] = FieldChange{Old: item.FromString, New: item.ToString}
		}

		notes := ""
		if len(changes) == 0 && len(unmapped) > 0 {
			notes = joinLines(unmapped)
		}

		ops = append(ops, JournalOperation{
			Kind:         "change",
			UserID:       ev.AuthorUserID,
			Timestamp:    ev.Created.UTC(),
			Notes:        notes,
			FieldChanges: changes,
		})
	}

	return ops
}

func renderUnmappedChange(item ChangeItem) string {
	return fmt.Sprintf("%s changed from %q to %q", item.Field, item.FromString, item.ToString)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// sortByTimestamp implements rule 3: the producer must sort before
// assigning state snapshots, because the remote evaluator sorts again
// before insertion; snapshots computed against an unsorted sequence
// would attach to the wrong rows once the evaluator re-sorts.
func sortByTimestamp(ops []JournalOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
}

// applyProgressiveState builds state_snapshot/cf_state_snapshot by
// starting from the creation state and applying each operation's field
// diff in order.
func applyProgressiveState(ops []JournalOperation, input Input) {
	running := cloneMap(input.CreationState)

	for i := range ops {
		for field, change := range ops[i].FieldChanges {
			running[field] = change.New
		}
		ops[i].StateSnapshot = cloneMap(running)
		ops[i].CFStateSnapshot = map[string]any{}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// filterEmptyOperations implements rule 4: drop an operation with no
// notes and no effective field changes, applied after the rescue in
// rule 2 has already had a chance to populate notes.
func filterEmptyOperations(ops []JournalOperation) []JournalOperation {
	out := ops[:0]
	for _, op := range ops {
		if op.Notes == "" && len(op.FieldChanges) == 0 {
			continue
		}
		out = append(out, op)
	}
	return out
}

// applyAttributionFallback implements rule 5: operation user id falls
// back to the work package author, then to a system deleted-user id.
func applyAttributionFallback(ops []JournalOperation, input Input) {
	for i := range ops {
		if ops[i].UserID != 0 {
			continue
		}
		if input.WorkPackageAuthorID != 0 {
			ops[i].UserID = input.WorkPackageAuthorID
			continue
		}
		ops[i].UserID = input.SystemDeletedUserID
	}
}

// assignValidityPeriods implements rule 6: walks operations in order,
// bumping begin past any collision with the previous end by a
// synthetic 1µs increment, and sets each operation's end to the next
// operation's begin (open-ended for the last).
func assignValidityPeriods(ops []JournalOperation, collisionSink func()) {
	var lastEnd time.Time

	for i := range ops {
		begin := ops[i].Timestamp
		if !lastEnd.IsZero() && !begin.After(lastEnd) {
			begin = lastEnd.Add(time.Microsecond)
			if collisionSink != nil {
				collisionSink()
			}
		}
		ops[i].Begin = begin
		lastEnd = begin
	}

	for i := range ops {
		if i+1 < len(ops) {
			ops[i].End = ops[i+1].Begin
		} else {
			ops[i].End = time.Time{} // open-ended
		}
	}
}

// dedupeValidityPeriods implements rule 7: a safety net that should
// never trigger after rule 6, but guards against identical [begin, end)
// ranges by keeping the first and dropping the rest, renumbering
// densely (the caller's version numbers are simply the slice index).
func dedupeValidityPeriods(ops []JournalOperation) []JournalOperation {
	seen := make(map[string]bool, len(ops))
	out := ops[:0]
	for _, op := range ops {
		key := op.Begin.Format(time.RFC3339Nano) + "|" + op.End.Format(time.RFC3339Nano)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, op)
	}
	return out
}

// applyRequiredFields implements rule 8: every row's snapshot gets a
// non-null author_id/status_id/type_id/project_id/priority_id, missing
// values inherited from the work package's current state.
func applyRequiredFields(ops []JournalOperation, input Input) {
	required := []string{"author_id", "status_id", "type_id", "project_id", "priority_id"}

	for i := range ops {
		if ops[i].StateSnapshot["author_id"] == nil {
			ops[i].StateSnapshot["author_id"] = ops[i].UserID
		}
		for _, field := range required {
			if field == "author_id" {
				continue
			}
			if ops[i].StateSnapshot[field] == nil {
				ops[i].StateSnapshot[field] = input.CurrentState[field]
			}
		}
	}
}

// applyCustomFieldTracking implements rule 9: folds any tracked custom
// field's per-operation transition into cf_state_snapshot, separate
// from the ordinary attribute state_snapshot.
func applyCustomFieldTracking(ops []JournalOperation, input Input) {
	if len(input.TrackedCustomFields) == 0 {
		return
	}
	for i := range ops {
		for field, change := range ops[i].FieldChanges {
			if input.TrackedCustomFields[field] {
				ops[i].CFStateSnapshot[field] = change.New
			}
		}
	}
}

// validateContiguous checks the non-overlap and contiguous-version
// invariants from spec.md §3.2 rule 3, returning an error rather than
// silently producing a broken sequence.
func validateContiguous(ops []JournalOperation) error {
	for i := 1; i < len(ops); i++ {
		if !ops[i-1].End.Equal(ops[i].Begin) {
			return fmt.Errorf("journal: gap or overlap between version %d and %d", i, i+1)
		}
	}
	for i, op := range ops {
		isLast := i == len(ops)-1
		if op.End.IsZero() != isLast {
			return fmt.Errorf("journal: exactly the last version must be open-ended, got mismatch at version %d", i+1)
		}
	}
	return nil
}
