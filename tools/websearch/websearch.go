// Package websearch selects a web search provider and exposes it as the
// "web_search" tool.
package websearch

import (
	"fmt"

	"github.com/askarian/questor/tools"
	"github.com/askarian/questor/tools/websearch/brave"
	"github.com/askarian/questor/tools/websearch/serper"
)

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

// ErrUnsupportedProvider indicates an unknown provider name in config.
var ErrUnsupportedProvider = fmt.Errorf("unsupported web search provider")

// New returns the adapter for the configured provider.
func New(provider Provider, apiKey string) (tools.Tool, error) {
	switch provider {
	case SerperProvider:
		return &serper.Search{APIKey: apiKey}, nil
	case BraveProvider:
		return &brave.Search{APIKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}
