// Package jiraclient defines the interface-level Jira client the engine
// consumes, plus a concrete adapter over github.com/andygrunwald/go-jira.
// Per spec.md §1, the Jira HTTP client is specified at the interface
// level only; its wire format is external.
package jiraclient

import (
	"context"
	"time"
)

// Issue is the subset of a Jira issue this engine's component
// migrations need, already decoded from the wire client's own types.
type Issue struct {
	ID          string
	Key         string
	Fields      map[string]any
	Changelog   []ChangelogHistory
	Comments    []Comment
	Attachments []AttachmentMeta
	Worklogs    []Worklog
	Links       []IssueLink
}

// ChangelogHistory mirrors one go-jira ChangelogHistory entry.
type ChangelogHistory struct {
	AuthorAccountID string
	Created         time.Time
	Items           []ChangelogItem
}

// ChangelogItem mirrors one go-jira ChangelogItems entry. From/To carry
// Jira's raw identifier (a status/priority/issue-type id, or a user
// key for assignee/reporter) where Jira populates it; FromString/
// ToString are always the human-readable display form.
type ChangelogItem struct {
	Field      string
	From       string
	FromString string
	To         string
	ToString   string
}

// Comment mirrors one Jira comment.
type Comment struct {
	AuthorAccountID string
	Created         time.Time
	Body            string
}

// AttachmentMeta mirrors one Jira attachment's metadata, not its binary
// content; content is fetched separately through DownloadAttachment.
type AttachmentMeta struct {
	ID              string
	Filename        string
	AuthorAccountID string
	Created         time.Time
	Size            int
}

// Worklog mirrors one Jira (or Tempo-backed) worklog entry.
type Worklog struct {
	ID               string
	AuthorAccountID  string
	Started          time.Time
	TimeSpentSeconds int
	Comment          string
}

// IssueLink mirrors one Jira issue link, in whichever direction it was
// declared on this issue.
type IssueLink struct {
	TypeName   string
	Outward    bool // true if this issue is the outward side of the link
	OtherKey   string
}

// Watcher mirrors one Jira issue watcher.
type Watcher struct {
	AccountID string
}

// RemoteLink mirrors one Jira remote link (rest/api/2/issue/{key}/remotelink).
type RemoteLink struct {
	ID    string
	URL   string
	Title string
}

// User is a Jira user record.
type User struct {
	AccountID   string
	Name        string
	Email       string
	DisplayName string
	Active      bool
	Locale      string
}

// Project is a Jira project summary record.
type Project struct {
	Key         string
	Name        string
	Description string
	LeadKey     string
}

// Client is the interface-level Jira client every component's Extract
// phase depends on. Concrete wire format and pagination live behind
// this boundary.
type Client interface {
	// SearchIssues returns one page of issues matching jql, starting at
	// startAt, expanding changelog and comments.
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) (issues []Issue, total int, err error)
	ListUsers(ctx context.Context, startAt, maxResults int) (users []User, err error)
	ListProjects(ctx context.Context) ([]Project, error)
	DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error)

	// ListWatchers fetches an issue's watcher list, a separate Jira REST
	// call (rest/api/2/issue/{key}/watchers) not included in the
	// standard issue payload.
	ListWatchers(ctx context.Context, issueKey string) ([]Watcher, error)

	// ListRemoteLinks fetches an issue's remote (web) links, a separate
	// Jira REST call (rest/api/2/issue/{key}/remotelink).
	ListRemoteLinks(ctx context.Context, issueKey string) ([]RemoteLink, error)

	// ListMetadata fetches a reference-data collection (groups, custom
	// fields, issue types, statuses, priorities, project components,
	// project versions, labels) as raw decoded JSON objects, each
	// carrying whatever key the entity's own sanitize schema expects.
	ListMetadata(ctx context.Context, kind string, projectKey string) ([]map[string]any, error)
}

// MetadataKind names a supported ListMetadata collection.
const (
	MetadataGroups        = "groups"
	MetadataCustomFields  = "custom_fields"
	MetadataIssueTypes    = "issue_types"
	MetadataStatuses      = "statuses"
	MetadataPriorities    = "priorities"
	MetadataComponents    = "components" // per-project Jira components
	MetadataVersions      = "versions"   // per-project fix versions
	MetadataLabels        = "labels"
	MetadataWorkflows     = "workflows"
)

// ExtractError reports a non-transient Jira extraction failure (after
// the retry budget in the concrete adapter is exhausted).
type ExtractError struct {
	Op  string
	Err error
}

func (e *ExtractError) Error() string { return "jiraclient: " + e.Op + ": " + e.Err.Error() }
func (e *ExtractError) Unwrap() error { return e.Err }
