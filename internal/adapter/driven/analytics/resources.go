package analytics

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// summaryPageSize is the page size requested from accountSummaries.
const summaryPageSize = 1000

type accountSummaries struct {
	Items    []accountSummary `json:"items"`
	NextLink string           `json:"nextLink"`
}

type accountSummary struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	WebProperties []propertySummary `json:"webProperties"`
}

type propertySummary struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Profiles []profileSummary `json:"profiles"`
}

type profileSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListResources discovers every reporting profile the account can read.
// Profiles hang off web properties which hang off accounts; the summaries
// endpoint returns the whole tree one page of accounts at a time.
func (a *Adapter) ListResources(ctx context.Context, acct *model.Account) ([]model.Resource, error) {
	if !acct.Credentials.Analytics.Linked() {
		return nil, model.ErrNotLinked
	}
	client := a.authClient(ctx, acct)

	next := a.apiBaseURL + "/analytics/v3/management/accountSummaries?" + url.Values{
		"max-results": {strconv.Itoa(summaryPageSize)},
	}.Encode()

	resources := []model.Resource{}
	for next != "" {
		var page accountSummaries
		if err := providerhttp.GetJSON(ctx, client, provider, next, classifyAPIStatus, &page); err != nil {
			return nil, err
		}
		resources = append(resources, flattenProfiles(page.Items)...)
		next = page.NextLink
	}
	return resources, nil
}

func flattenProfiles(items []accountSummary) []model.Resource {
	var out []model.Resource
	for _, account := range items {
		for _, property := range account.WebProperties {
			for _, profile := range property.Profiles {
				out = append(out, model.Resource{
					ID:   profile.ID,
					Name: account.Name + " / " + property.Name + " / " + profile.Name,
				})
			}
		}
	}
	return out
}
