package components

import (
	"context"
	"fmt"

	"github.com/netresearch/j2o-core/internal/checkpoint"
	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/jiraclient"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/provenance"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// Users migrates Jira users to OpenProject users, resolved by email
// then login, created otherwise (spec.md §4.6.5).
type Users struct {
	railsLoader
	jira       jiraclient.Client
	pageSize   int
	originURL  func(accountID string) string
}

func NewUsers(jira jiraclient.Client, composer *railsgen.Composer, eval *evaluator.Client, cp *checkpoint.Store, prov *provenance.Store, logger *observability.Logger, metrics *observability.Metrics, originURLFn func(string) string) *Users {
	return &Users{
		railsLoader: newRailsLoader("users", "users", composer, eval, cp, prov, logger, metrics),
		jira:        jira,
		pageSize:    100,
		originURL:   originURLFn,
	}
}

func (u *Users) Extract(ctx context.Context, batchIndex int) ([]SourceRecord, bool, error) {
	startAt := batchIndex * u.pageSize
	users, err := u.jira.ListUsers(ctx, startAt, u.pageSize)
	if err != nil {
		return nil, false, &ExtractError{Component: "users", Err: err}
	}

	records := make([]SourceRecord, 0, len(users))
	for _, user := range users {
		records = append(records, SourceRecord{
			OriginKey: user.AccountID,
			Data: map[string]any{
				"emailAddress": user.Email,
				"name":         user.Name,
				"displayName":  user.DisplayName,
				"active":       user.Active,
				"locale":       user.Locale,
			},
		})
	}
	return records, len(users) == u.pageSize, nil
}

func (u *Users) MapRecord(_ context.Context, rec SourceRecord) (*sanitize.MappedRecord, error) {
	mapped, err := sanitize.Map("user", rec.Data, rec.OriginKey)
	if err != nil {
		return nil, fmt.Errorf("components: users: %w", err)
	}

	url := ""
	if u.originURL != nil {
		url = u.originURL(rec.OriginKey)
	}
	sanitize.AttachProvenance(mapped, sanitize.NewProvenanceTag(rec.OriginKey, rec.OriginKey, url))
	return mapped, nil
}
