package websearch

import (
	"context"
	"errors"

	"github.com/openreport/scout/tools/websearch/brave"
	"github.com/openreport/scout/tools/websearch/models"
	"github.com/openreport/scout/tools/websearch/serper"
	"github.com/openreport/scout/tools/websearch/tavily"
)

// Searcher is the uniform contract every web search provider exposes.
type Searcher interface {
	Search(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	TavilyProvider Provider = "tavily"
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported web search provider")

func NewSearcher(provider Provider, apiKey string) (Searcher, error) {
	switch provider {
	case TavilyProvider:
		return tavily.Search{ApiKey: apiKey}, nil
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
