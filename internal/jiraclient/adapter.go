package jiraclient

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/sshx"
)

// AdapterConfig configures the concrete go-jira backed client.
type AdapterConfig struct {
	BaseURL  string
	Username string
	Token    string
	Timeout  time.Duration
}

// Adapter is the concrete Client implementation over go-jira, retrying
// transient transport failures with the same backoff policy used by
// the remote-execution stack.
type Adapter struct {
	client  *jira.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAdapter builds an Adapter authenticated against a Jira Server 9.x
// instance using basic auth (personal access tokens as password, per
// Jira Server's auth model; distinct from Jira Cloud's OAuth).
func NewAdapter(cfg AdapterConfig, logger *observability.Logger, metrics *observability.Metrics) (*Adapter, error) {
	tp := jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}

	httpClient := tp.Client()
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	client, err := jira.NewClient(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, &ExtractError{Op: "new_client", Err: err}
	}

	return &Adapter{client: client, logger: logger, metrics: metrics}, nil
}

func (a *Adapter) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]Issue, int, error) {
	var issues []Issue
	var total int

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_search_issues", func() error {
		apiEndpoint := fmt.Sprintf("rest/api/2/search?jql=%s&startAt=%d&maxResults=%d&expand=changelog&fields=*all",
			url.QueryEscape(jql), startAt, maxResults)
		req, reqErr := a.client.NewRequest("GET", apiEndpoint, nil)
		if reqErr != nil {
			return &ExtractError{Op: "search_issues", Err: reqErr}
		}

		var result struct {
			Total  int          `json:"total"`
			Issues []jira.Issue `json:"issues"`
		}
		resp, doErr := a.client.Do(req, &result)
		if doErr != nil {
			return classifyJiraError("search_issues", resp, doErr)
		}

		issues = make([]Issue, 0, len(result.Issues))
		for _, ri := range result.Issues {
			issues = append(issues, convertIssue(ri))
		}
		total = result.Total
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return issues, total, nil
}

func (a *Adapter) ListUsers(ctx context.Context, startAt, maxResults int) ([]User, error) {
	var users []User

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_list_users", func() error {
		apiEndpoint := fmt.Sprintf("rest/api/2/user/search?username=.&startAt=%d&maxResults=%d", startAt, maxResults)
		req, reqErr := a.client.NewRequest("GET", apiEndpoint, nil)
		if reqErr != nil {
			return &ExtractError{Op: "list_users", Err: reqErr}
		}

		var raw []jira.User
		resp, doErr := a.client.Do(req, &raw)
		if doErr != nil {
			return classifyJiraError("list_users", resp, doErr)
		}

		users = make([]User, 0, len(raw))
		for _, ru := range raw {
			users = append(users, convertUser(ru))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (a *Adapter) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_list_projects", func() error {
		raw, resp, listErr := a.client.Project.GetList()
		if listErr != nil {
			return classifyJiraError("list_projects", resp, listErr)
		}

		projects = make([]Project, 0, len(*raw))
		for _, rp := range *raw {
			projects = append(projects, Project{
				Key:  rp.Key,
				Name: rp.Name,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (a *Adapter) ListWatchers(ctx context.Context, issueKey string) ([]Watcher, error) {
	var watchers []Watcher

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_list_watchers", func() error {
		var raw struct {
			Watchers []struct {
				Name string `json:"name"`
			} `json:"watchers"`
		}

		req, reqErr := a.client.NewRequest("GET", fmt.Sprintf("rest/api/2/issue/%s/watchers", issueKey), nil)
		if reqErr != nil {
			return &ExtractError{Op: "list_watchers", Err: reqErr}
		}

		resp, doErr := a.client.Do(req, &raw)
		if doErr != nil {
			return classifyJiraError("list_watchers", resp, doErr)
		}

		watchers = make([]Watcher, 0, len(raw.Watchers))
		for _, w := range raw.Watchers {
			watchers = append(watchers, Watcher{AccountID: w.Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return watchers, nil
}

func (a *Adapter) ListRemoteLinks(ctx context.Context, issueKey string) ([]RemoteLink, error) {
	var links []RemoteLink

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_list_remote_links", func() error {
		var raw []struct {
			ID     int64  `json:"id"`
			Object struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"object"`
		}

		req, reqErr := a.client.NewRequest("GET", fmt.Sprintf("rest/api/2/issue/%s/remotelink", issueKey), nil)
		if reqErr != nil {
			return &ExtractError{Op: "list_remote_links", Err: reqErr}
		}

		resp, doErr := a.client.Do(req, &raw)
		if doErr != nil {
			return classifyJiraError("list_remote_links", resp, doErr)
		}

		links = make([]RemoteLink, 0, len(raw))
		for _, rl := range raw {
			links = append(links, RemoteLink{
				ID:    fmt.Sprintf("%d", rl.ID),
				URL:   rl.Object.URL,
				Title: rl.Object.Title,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

func (a *Adapter) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	var body []byte

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_download_attachment", func() error {
		resp, dlErr := a.client.Issue.DownloadAttachment(attachmentID)
		if dlErr != nil {
			return classifyJiraError("download_attachment", resp, dlErr)
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &ExtractError{Op: "download_attachment", Err: readErr}
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// metadataEndpoints maps a MetadataKind to its Jira Server 9.x REST
// endpoint. projectKey is substituted into the project-scoped ones
// (components, versions) and ignored by the instance-wide ones.
var metadataEndpoints = map[string]string{
	MetadataGroups:       "rest/api/2/groups/picker?maxResults=1000",
	MetadataCustomFields: "rest/api/2/field",
	MetadataIssueTypes:   "rest/api/2/issuetype",
	MetadataStatuses:     "rest/api/2/status",
	MetadataPriorities:   "rest/api/2/priority",
	MetadataComponents:   "rest/api/2/project/%s/components",
	MetadataVersions:     "rest/api/2/project/%s/versions",
	MetadataLabels:       "rest/api/2/label",
	MetadataWorkflows:    "rest/api/2/workflow",
}

func (a *Adapter) ListMetadata(ctx context.Context, kind string, projectKey string) ([]map[string]any, error) {
	endpoint, ok := metadataEndpoints[kind]
	if !ok {
		return nil, &ExtractError{Op: "list_metadata", Err: fmt.Errorf("unknown metadata kind %q", kind)}
	}
	if projectKey != "" {
		endpoint = fmt.Sprintf(endpoint, projectKey)
	}

	var out []map[string]any

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "jira_list_metadata_"+kind, func() error {
		req, reqErr := a.client.NewRequest("GET", endpoint, nil)
		if reqErr != nil {
			return &ExtractError{Op: "list_metadata", Err: reqErr}
		}

		var raw any
		resp, doErr := a.client.Do(req, &raw)
		if doErr != nil {
			return classifyJiraError("list_metadata", resp, doErr)
		}

		out = normalizeMetadataList(kind, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeMetadataList unwraps the two response shapes Jira Server
// returns for these endpoints: a bare array, or (for the groups
// picker) an object with a "groups" array.
func normalizeMetadataList(kind string, raw any) []map[string]any {
	switch v := raw.(type) {
	case []any:
		if kind == MetadataLabels {
			return labelsToMapSlice(v)
		}
		return toMapSlice(v)
	case map[string]any:
		if kind == MetadataGroups {
			if groups, ok := v["groups"].([]any); ok {
				return toMapSlice(groups)
			}
		}
		if kind == MetadataLabels {
			if labels, ok := v["labels"].([]any); ok {
				return labelsToMapSlice(labels)
			}
		}
		return nil
	default:
		return nil
	}
}

// labelsToMapSlice wraps Jira's /label endpoint, which returns bare
// label strings rather than objects, into the {name: ...} shape the
// "label" sanitize schema expects.
func labelsToMapSlice(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, map[string]any{"name": s})
		}
	}
	return out
}

func toMapSlice(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// retriableJiraError wraps a transport-level failure from go-jira so it
// participates in sshx.WithRetry's backoff policy; 4xx responses are
// never retriable, 5xx and network errors are.
type retriableJiraError struct {
	op   string
	err  error
	flag bool
}

func (e *retriableJiraError) Error() string  { return "jiraclient: " + e.op + ": " + e.err.Error() }
func (e *retriableJiraError) Unwrap() error  { return e.err }
func (e *retriableJiraError) Retriable() bool { return e.flag }

func classifyJiraError(op string, resp *jira.Response, err error) error {
	if resp != nil && resp.StatusCode > 0 && resp.StatusCode < 500 {
		return &retriableJiraError{op: op, err: err, flag: false}
	}
	return &retriableJiraError{op: op, err: err, flag: true}
}

func convertIssue(ri jira.Issue) Issue {
	issue := Issue{
		ID:     ri.ID,
		Key:    ri.Key,
		Fields: map[string]any{},
	}

	if ri.Fields != nil {
		issue.Fields["summary"] = ri.Fields.Summary
		issue.Fields["description"] = ri.Fields.Description
		if ri.Fields.Project.Key != "" {
			issue.Fields["project"] = ri.Fields.Project.Key
		}
		if ri.Fields.Type.ID != "" {
			// IDs, not names: metadata components (issue_types, statuses,
			// priorities) key provenance by Jira's numeric id, and the
			// work package mapper resolves these fields against that
			// same origin key.
			issue.Fields["issuetype"] = ri.Fields.Type.ID
		}
		if ri.Fields.Status != nil {
			issue.Fields["status"] = ri.Fields.Status.ID
		}
		if ri.Fields.Priority != nil {
			issue.Fields["priority"] = ri.Fields.Priority.ID
		}
		if ri.Fields.Assignee != nil {
			issue.Fields["assignee"] = ri.Fields.Assignee.Name
		}
		if ri.Fields.Reporter != nil {
			issue.Fields["reporter"] = ri.Fields.Reporter.Name
		}
		issue.Fields["labels"] = ri.Fields.Labels
		for k, v := range ri.Fields.Unknowns {
			issue.Fields[k] = v
		}

		if ri.Fields.Comments != nil {
			for _, rc := range ri.Fields.Comments.Comments {
				issue.Comments = append(issue.Comments, convertComment(*rc))
			}
		}

		for _, ra := range ri.Fields.Attachments {
			if ra == nil {
				continue
			}
			created, _ := time.Parse("2006-01-02T15:04:05.000-0700", ra.Created)
			author := ""
			if ra.Author != nil {
				author = ra.Author.Name
			}
			issue.Attachments = append(issue.Attachments, AttachmentMeta{
				ID:              ra.ID,
				Filename:        ra.Filename,
				AuthorAccountID: author,
				Created:         created,
				Size:            ra.Size,
			})
		}

		if ri.Fields.Worklog != nil {
			for _, rw := range ri.Fields.Worklog.Worklogs {
				issue.Worklogs = append(issue.Worklogs, Worklog{
					ID:               rw.ID,
					AuthorAccountID:  rw.Author.Name,
					Started:          time.Time(rw.Started),
					TimeSpentSeconds: rw.TimeSpentSeconds,
					Comment:          rw.Comment,
				})
			}
		}

		for _, rl := range ri.Fields.IssueLinks {
			if rl == nil {
				continue
			}
			if rl.OutwardIssue != nil {
				issue.Links = append(issue.Links, IssueLink{TypeName: rl.Type.Outward, Outward: true, OtherKey: rl.OutwardIssue.Key})
			}
			if rl.InwardIssue != nil {
				issue.Links = append(issue.Links, IssueLink{TypeName: rl.Type.Inward, Outward: false, OtherKey: rl.InwardIssue.Key})
			}
		}
	}

	if ri.Changelog != nil {
		for _, rh := range ri.Changelog.Histories {
			issue.Changelog = append(issue.Changelog, convertHistory(rh))
		}
	}

	return issue
}

func convertHistory(rh jira.ChangelogHistory) ChangelogHistory {
	created, _ := time.Parse("2006-01-02T15:04:05.000-0700", rh.Created)

	h := ChangelogHistory{
		AuthorAccountID: rh.Author.Name,
		Created:         created,
	}
	for _, ri := range rh.Items {
		from, _ := ri.From.(string)
		to, _ := ri.To.(string)
		h.Items = append(h.Items, ChangelogItem{
			Field:      ri.Field,
			From:       from,
			FromString: ri.FromString,
			To:         to,
			ToString:   ri.ToString,
		})
	}
	return h
}

func convertComment(rc jira.Comment) Comment {
	created, _ := time.Parse("2006-01-02T15:04:05.000-0700", rc.Created)
	return Comment{
		AuthorAccountID: rc.Author.Name,
		Created:         created,
		Body:            rc.Body,
	}
}

func convertUser(ru jira.User) User {
	return User{
		AccountID:   ru.Name,
		Name:        ru.Name,
		Email:       ru.EmailAddress,
		DisplayName: ru.DisplayName,
		Active:      ru.Active,
	}
}
