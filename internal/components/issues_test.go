package components

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIssueJQLProjectFilter(t *testing.T) {
	os.Unsetenv(testIssueKeysEnv)
	assert.Equal(t, `project in ("NRS", "OPS") ORDER BY key ASC`, issueJQL([]string{"NRS", "OPS"}))
	assert.Equal(t, "ORDER BY key ASC", issueJQL(nil))
}

func TestIssueJQLTestIssueOverride(t *testing.T) {
	t.Setenv(testIssueKeysEnv, "NRS-1, NRS-2")
	assert.Equal(t, `key in ("NRS-1", "NRS-2") ORDER BY key ASC`, issueJQL([]string{"IGNORED"}))
}
