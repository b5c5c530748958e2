package components

import "testing"

func TestRelationType(t *testing.T) {
	cases := []struct {
		jiraType string
		outward  bool
		want     string
	}{
		{"Blocks", true, "blocks"},
		{"Blocks", false, "blocked"},
		{"Dependency", true, "precedes"},
		{"Dependency", false, "follows"},
		{"Relates", true, "relates"},
		{"Something Custom", true, "relates"},
	}

	for _, c := range cases {
		if got := relationType(c.jiraType, c.outward); got != c.want {
			t.Errorf("relationType(%q, %v) = %q, want %q", c.jiraType, c.outward, got, c.want)
		}
	}
}
