package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/askarian/questor/tools"
)

const defaultBaseURL = "https://google.serper.dev"

// Search queries the serper.dev API. https://serper.dev/ docs
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

	body, err := json.Marshal(map[string]any{"q": query, "num": maxResults})
	if err != nil {
		return nil, &tools.RejectedError{Tool: s.Name(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, &tools.RejectedError{Tool: s.Name(), Err: err}
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if err := tools.ClassifyStatus(s.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &tools.UnavailableError{Tool: s.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	var out []tools.Finding
	for i, r := range raw.Organic {
		if i >= maxResults {
			break
		}
		out = append(out, tools.Finding{Title: r.Title, Snippet: r.Snippet, SourceURL: r.Link})
	}
	return out, nil
}
