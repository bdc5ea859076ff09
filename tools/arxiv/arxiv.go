// Package arxiv exposes the arXiv Atom API as the "arxiv" tool.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/askarian/questor/tools"
)

const defaultBaseURL = "https://export.arxiv.org/api"

// Search queries the arXiv export API for paper abstracts.
type Search struct {
	BaseURL string
	Client  *http.Client
}

func (s *Search) Name() string { return "arxiv" }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
}

func (s *Search) Invoke(ctx context.Context, query string, maxResults int) ([]tools.Finding, error) {
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := fmt.Sprintf("%s/query?search_query=all:%s&start=0&max_results=%d",
		base, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: fmt.Errorf("parse atom feed: %w", err)}
	}

	var out []tools.Finding
	for i, entry := range feed.Entries {
		if i >= maxResults {
			break
		}
		out = append(out, tools.Finding{
			Title:     collapseWhitespace(entry.Title),
			Snippet:   collapseWhitespace(entry.Summary),
			SourceURL: strings.TrimSpace(entry.ID),
		})
	}
	return out, nil
}

// collapseWhitespace flattens the newline-wrapped text arXiv returns in
// title and summary fields.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
