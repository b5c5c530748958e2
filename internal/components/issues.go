package components

import (
	"context"
	"os"
	"strings"

	"github.com/netresearch/j2o-core/internal/jiraclient"
)

// testIssueKeysEnv names the environment override spec.md §4.7
// describes for operator filtering by an explicit test-issue set,
// bypassing the project-key filter entirely when set.
const testIssueKeysEnv = "J2O_TEST_ISSUE_KEYS"

// issueJQL builds the JQL every issue-scanning component shares: all
// issues in projectKeys (or the whole instance if empty), stable key
// order so pagination and checkpoint batch indices stay meaningful
// across a resumed run. J2O_TEST_ISSUE_KEYS, a comma-separated list of
// issue keys, overrides projectKeys when set.
func issueJQL(projectKeys []string) string {
	if raw, ok := os.LookupEnv(testIssueKeysEnv); ok && strings.TrimSpace(raw) != "" {
		keys := strings.Split(raw, ",")
		quoted := make([]string, 0, len(keys))
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			quoted = append(quoted, `"`+strings.ReplaceAll(k, `"`, `\"`)+`"`)
		}
		return "key in (" + strings.Join(quoted, ", ") + ") ORDER BY key ASC"
	}

	if len(projectKeys) == 0 {
		return "ORDER BY key ASC"
	}
	quoted := make([]string, len(projectKeys))
	for i, k := range projectKeys {
		quoted[i] = `"` + strings.ReplaceAll(k, `"`, `\"`) + `"`
	}
	return "project in (" + strings.Join(quoted, ", ") + ") ORDER BY key ASC"
}

// fetchIssuePage pulls one page of issues for batchIndex, scaled by
// pageSize, reporting whether a further page remains.
func fetchIssuePage(ctx context.Context, jira jiraclient.Client, jql string, batchIndex, pageSize int) ([]jiraclient.Issue, bool, error) {
	startAt := batchIndex * pageSize
	issues, total, err := jira.SearchIssues(ctx, jql, startAt, pageSize)
	if err != nil {
		return nil, false, err
	}
	return issues, startAt+len(issues) < total, nil
}
