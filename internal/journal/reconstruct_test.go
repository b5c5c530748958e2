package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldMapper(jiraField string) (string, bool) {
	switch jiraField {
	case "status":
		return "status_id", true
	case "assignee":
		return "assigned_to_id", true
	default:
		return "", false
	}
}

func TestReconstructNonOverlappingValidityPeriods(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 7,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{"status_id": 1},
		CurrentState:        map[string]any{"status_id": 2, "type_id": 3, "project_id": 4, "priority_id": 5},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 7, Created: base, Items: []ChangeItem{{Field: "status", FromString: "Open", ToString: "In Progress"}}},
			{AuthorUserID: 7, Created: base.Add(time.Hour), Items: []ChangeItem{{Field: "status", FromString: "In Progress", ToString: "Done"}}},
		},
	}

	result, err := Reconstruct(input, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	for i := 1; i < len(result.Rows); i++ {
		assert.False(t, result.Rows[i-1].Begin.After(result.Rows[i].Begin))
		assert.True(t, result.Rows[i-1].End.Equal(result.Rows[i].Begin), "end of row %d must equal begin of row %d", i-1, i)
	}
	assert.True(t, result.Rows[len(result.Rows)-1].End.IsZero(), "last row must be open-ended")
}

func TestReconstructTimestampCollisionBump(t *testing.T) {
	same := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 7,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{},
		CurrentState:        map[string]any{"status_id": 1, "type_id": 1, "project_id": 1, "priority_id": 1},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 7, Created: same, Items: []ChangeItem{{Field: "status", FromString: "a", ToString: "b"}}},
			{AuthorUserID: 7, Created: same, Items: []ChangeItem{{Field: "assignee", FromString: "x", ToString: "y"}}},
		},
	}

	collisions := 0
	result, err := Reconstruct(input, func() { collisions++ })
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	assert.Equal(t, 1, collisions)
	assert.True(t, result.Rows[1].Begin.After(result.Rows[0].Begin))
	assert.Equal(t, same.Add(time.Microsecond), result.Rows[1].Begin)
}

func TestReconstructAttributionFallback(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 42,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{},
		CurrentState:        map[string]any{"status_id": 1, "type_id": 1, "project_id": 1, "priority_id": 1},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 0, Created: base, Items: []ChangeItem{{Field: "status", FromString: "a", ToString: "b"}}},
		},
	}

	result, err := Reconstruct(input, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 42, result.Rows[0].UserID, "unresolved user id must fall back to the work package author")
}

func TestReconstructAttributionFallbackToSystemUser(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 0,
		SystemDeletedUserID: 999,
		CreationState:       map[string]any{},
		CurrentState:        map[string]any{"status_id": 1, "type_id": 1, "project_id": 1, "priority_id": 1},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 0, Created: base, Items: []ChangeItem{{Field: "status", FromString: "a", ToString: "b"}}},
		},
	}

	result, err := Reconstruct(input, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 999, result.Rows[0].UserID)
}

func TestReconstructEmptyOperationDroppedUnlessRescued(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	// An event whose only item maps to nothing produces a rescue note,
	// so it must survive the empty-operation filter.
	rescued := Input{
		WorkPackageAuthorID: 7,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{},
		CurrentState:        map[string]any{"status_id": 1, "type_id": 1, "project_id": 1, "priority_id": 1},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 7, Created: base, Items: []ChangeItem{{Field: "labels", FromString: "a", ToString: "b"}}},
		},
	}
	result, err := Reconstruct(rescued, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.NotEmpty(t, result.Rows[0].Notes)
	assert.Contains(t, result.Rows[0].Notes, "labels")

	// An event with no items has neither notes nor field changes, so it
	// is dropped.
	dropped := rescued
	dropped.Changelog = []ChangelogEvent{{AuthorUserID: 7, Created: base}}
	result, err = Reconstruct(dropped, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestReconstructSnapshotOrderingMatchesSortedSequence(t *testing.T) {
	// Regression for rule 3: operations supplied out of timestamp order
	// must still produce snapshots aligned to the post-sort sequence.
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 7,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{"status_id": 0},
		CurrentState:        map[string]any{"status_id": 2, "type_id": 1, "project_id": 1, "priority_id": 1},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			// Supplied out of order: second event first.
			{AuthorUserID: 7, Created: base.Add(time.Hour), Items: []ChangeItem{{Field: "status", FromString: "1", ToString: "2"}}},
			{AuthorUserID: 7, Created: base, Items: []ChangeItem{{Field: "status", FromString: "0", ToString: "1"}}},
		},
	}

	result, err := Reconstruct(input, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	assert.Equal(t, base, result.Rows[0].Timestamp)
	assert.Equal(t, "1", result.Rows[0].StateSnapshot["status_id"])
	assert.Equal(t, "2", result.Rows[1].StateSnapshot["status_id"])
}

func TestReconstructRequiredFieldsInherited(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	input := Input{
		WorkPackageAuthorID: 7,
		SystemDeletedUserID: 1,
		CreationState:       map[string]any{},
		CurrentState:        map[string]any{"status_id": 2, "type_id": 3, "project_id": 4, "priority_id": 5},
		FieldMapper:         fieldMapper,
		Changelog: []ChangelogEvent{
			{AuthorUserID: 7, Created: base, Items: []ChangeItem{{Field: "assignee", FromString: "a", ToString: "b"}}},
		},
	}

	result, err := Reconstruct(input, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	snap := result.Rows[0].StateSnapshot
	assert.Equal(t, 7, snap["author_id"])
	assert.Equal(t, 2, snap["status_id"])
	assert.Equal(t, 3, snap["type_id"])
	assert.Equal(t, 4, snap["project_id"])
	assert.Equal(t, 5, snap["priority_id"])
}
