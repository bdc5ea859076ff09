package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/askarian/questor/tools"
)

const defaultBaseURL = "https://api.search.brave.com/res/v1"

// Search queries the Brave web search API.
// https://api.search.brave.com/app/documentation/web-search
type Search struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (s *Search) Name() string { return "web_search" }

func (s *Search) Invoke(ctx context.Context, query string, maxResults int) ([]tools.Finding, error) {
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := fmt.Sprintf("%s/web/search?q=%s&count=%d", base, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &tools.RejectedError{Tool: s.Name(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if err := tools.ClassifyStatus(s.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	var out []tools.Finding
	for i, r := range raw.Web.Results {
		if i >= maxResults {
			break
		}
		out = append(out, tools.Finding{Title: r.Title, Snippet: r.Description, SourceURL: r.URL})
	}
	return out, nil
}
