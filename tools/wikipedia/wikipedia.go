// Package wikipedia exposes MediaWiki full-text search as the
// "wikipedia" tool.
package wikipedia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/askarian/questor/tools"
)

const defaultBaseURL = "https://en.wikipedia.org/w/api.php"

// Search queries the MediaWiki search API for article summaries.
type Search struct {
	BaseURL string
	Client  *http.Client
}

func (s *Search) Name() string { return "wikipedia" }

var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

func (s *Search) Invoke(ctx context.Context, query string, maxResults int) ([]tools.Finding, error) {
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("format", "json")
	params.Set("srsearch", query)
	params.Set("srlimit", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &tools.RejectedError{Tool: s.Name(), Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if err := tools.ClassifyStatus(s.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var raw struct {
		Query struct {
			Search []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	var out []tools.Finding
	for i, r := range raw.Query.Search {
		if i >= maxResults {
			break
		}
		out = append(out, tools.Finding{
			Title:     r.Title,
			Snippet:   htmlTagRE.ReplaceAllString(r.Snippet, ""),
			SourceURL: articleURL(r.Title),
		})
	}
	return out, nil
}

func articleURL(title string) string {
	return "https://en.wikipedia.org/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}
