package opclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/sshx"
)

// AdapterConfig configures the concrete REST adapter.
type AdapterConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Adapter is the concrete Client implementation over OpenProject's
// HAL+JSON REST API, authenticated with an API token as the basic-auth
// password against the fixed "apikey" username OpenProject expects.
type Adapter struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewAdapter(cfg AdapterConfig, logger *observability.Logger, metrics *observability.Metrics) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: metrics,
	}
}

func (a *Adapter) GetWorkPackage(ctx context.Context, id int) (*WorkPackage, error) {
	var wp WorkPackage

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "op_get_work_package", func() error {
		var raw struct {
			ID        int    `json:"id"`
			Subject   string `json:"subject"`
			UpdatedAt string `json:"updatedAt"`
			Links     struct {
				Project struct{ Href string `json:"href"` } `json:"project"`
				Status  struct{ Href string `json:"href"` } `json:"status"`
			} `json:"_links"`
		}

		if err := a.getJSON(ctx, fmt.Sprintf("/api/v3/work_packages/%d", id), &raw); err != nil {
			return err
		}

		wp = WorkPackage{
			ID:        raw.ID,
			Subject:   raw.Subject,
			UpdatedAt: raw.UpdatedAt,
			ProjectID: hrefTrailingID(raw.Links.Project.Href),
			StatusID:  hrefTrailingID(raw.Links.Status.Href),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wp, nil
}

func (a *Adapter) GetUserByLogin(ctx context.Context, login string) (int, bool, error) {
	var id int
	var found bool

	err := sshx.WithRetry(ctx, a.logger, a.metrics, "op_get_user_by_login", func() error {
		var raw struct {
			Total   int `json:"total"`
			Elements []struct {
				ID int `json:"id"`
			} `json:"_embedded,omitempty"`
		}

		path := fmt.Sprintf("/api/v3/users?filters=%s", userLoginFilter(login))
		if err := a.getJSON(ctx, path, &raw); err != nil {
			return err
		}

		if raw.Total > 0 && len(raw.Elements) > 0 {
			id = raw.Elements[0].ID
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

func (a *Adapter) UploadAvatar(ctx context.Context, userID int, imageData []byte, filename string) error {
	return sshx.WithRetry(ctx, a.logger, a.metrics, "op_upload_avatar", func() error {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("avatar", filename)
		if err != nil {
			return &VerifyError{Op: "upload_avatar", Err: err}
		}
		if _, err := part.Write(imageData); err != nil {
			return &VerifyError{Op: "upload_avatar", Err: err}
		}
		if err := writer.Close(); err != nil {
			return &VerifyError{Op: "upload_avatar", Err: err}
		}

		url := a.baseURL + fmt.Sprintf("/api/v3/users/%d/avatar", userID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
		if err != nil {
			return &VerifyError{Op: "upload_avatar", Err: err}
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.SetBasicAuth("apikey", a.token)

		resp, err := a.http.Do(req)
		if err != nil {
			return &retriableOpError{op: "upload_avatar", err: err, flag: true}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return &retriableOpError{
				op:   "upload_avatar",
				err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
				flag: resp.StatusCode >= 500,
			}
		}
		return nil
	})
}

func (a *Adapter) Ping(ctx context.Context) error {
	return sshx.WithRetry(ctx, a.logger, a.metrics, "op_ping", func() error {
		var raw struct {
			CoreVersion string `json:"coreVersion"`
		}
		return a.getJSON(ctx, "/api/v3", &raw)
	})
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return &VerifyError{Op: "get", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth("apikey", a.token)

	resp, err := a.http.Do(req)
	if err != nil {
		return &retriableOpError{op: "get", err: err, flag: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &retriableOpError{
			op:   "get",
			err:  fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path),
			flag: resp.StatusCode >= 500,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &VerifyError{Op: "get", Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &VerifyError{Op: "get", Err: err}
	}
	return nil
}

type retriableOpError struct {
	op   string
	err  error
	flag bool
}

func (e *retriableOpError) Error() string   { return "opclient: " + e.op + ": " + e.err.Error() }
func (e *retriableOpError) Unwrap() error   { return e.err }
func (e *retriableOpError) Retriable() bool { return e.flag }

func userLoginFilter(login string) string {
	return fmt.Sprintf(`[{"login":{"operator":"=","values":[%q]}}]`, login)
}

func hrefTrailingID(href string) int {
	id := 0
	start := -1
	for i := len(href) - 1; i >= 0; i-- {
		if href[i] == '/' {
			start = i + 1
			break
		}
	}
	if start < 0 || start >= len(href) {
		return 0
	}
	for _, c := range href[start:] {
		if c < '0' || c > '9' {
			return 0
		}
		id = id*10 + int(c-'0')
	}
	return id
}
