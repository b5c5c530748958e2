package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapIsPure(t *testing.T) {
	source := map[string]any{
		"emailAddress": "alice@example.com",
		"name":         "alice",
		"active":       true,
	}

	rec1, err1 := Map("user", source, "alice")
	rec2, err2 := Map("user", source, "alice")

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, rec1, rec2)
	// Calling Map must not mutate its input.
	assert.Equal(t, "alice@example.com", source["emailAddress"])
}

func TestMapRequiredFieldMissing(t *testing.T) {
	source := map[string]any{
		"name":   "alice",
		"active": true,
	}

	_, err := Map("user", source, "alice")
	require.Error(t, err)

	var mapErr *MappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, "mail", mapErr.Field)
}

func TestFlattenLinkByID(t *testing.T) {
	raw := map[string]any{"self": "https://jira/rest/api/2/issuetype/5", "id": "5", "name": "Bug"}
	assert.Equal(t, "5", FlattenLink(raw))
}

func TestFlattenLinkByHref(t *testing.T) {
	raw := map[string]any{"href": "https://op.example.com/api/v3/types/7"}
	assert.Equal(t, "7", FlattenLink(raw))
}

func TestFlattenLinkScalarPassthrough(t *testing.T) {
	assert.Equal(t, "already-scalar", FlattenLink("already-scalar"))
}

func TestJiraWikiToMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"heading", "h1. Title", "# Title"},
		{"bold", "this is *bold* text", "this is **bold** text"},
		{"monospace", "run {{go test}}", "run `go test`"},
		{"code block", "{code}x = 1{code}", "```x = 1```"},
		{"link", "[OpenProject|https://openproject.org]", "[OpenProject](https://openproject.org)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, JiraWikiToMarkdown(tc.in))
		})
	}
}

func TestProvenanceTagAssignments(t *testing.T) {
	tag := NewProvenanceTag("10001", "PROJ-1", "https://jira.example.com/browse/PROJ-1")
	assignments := tag.AsCustomFieldAssignments()

	assert.Equal(t, OriginSystemJira, assignments[FieldOriginSystem])
	assert.Equal(t, "10001", assignments[FieldOriginID])
	assert.Equal(t, "PROJ-1", assignments[FieldOriginKey])
}
