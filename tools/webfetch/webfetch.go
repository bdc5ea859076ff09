// Package webfetch exposes page retrieval with readable-text extraction
// as the "web_fetch" tool. The step query is the URL to fetch.
package webfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/askarian/questor/tools"
)

const defaultMaxChars = 4000

// Fetch retrieves a single page and extracts its readable content.
type Fetch struct {
	MaxChars int
	Client   *http.Client
}

func (f *Fetch) Name() string { return "web_fetch" }

func (f *Fetch) Invoke(ctx context.Context, query string, maxResults int) ([]tools.Finding, error) {
	target, err := parseTarget(query)
	if err != nil {
		return nil, &tools.RejectedError{Tool: f.Name(), Err: err}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxChars := f.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &tools.RejectedError{Tool: f.Name(), Err: err}
	}
	req.Header.Set("User-Agent", "questor/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &tools.UnavailableError{Tool: f.Name(), Err: err}
	}
	defer resp.Body.Close()
	if err := tools.ClassifyStatus(f.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	article, err := readability.FromReader(resp.Body, target)
	if err != nil {
		return nil, &tools.RejectedError{Tool: f.Name(), Err: fmt.Errorf("extract content: %w", err)}
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = target.String()
	}
	if maxResults < 1 {
		return nil, nil
	}
	return []tools.Finding{{Title: title, Snippet: text, SourceURL: target.String()}}, nil
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url missing host")
	}
	return u, nil
}
