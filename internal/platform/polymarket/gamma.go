package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// GammaMarket is the subset of a Gamma /markets entry needed to find the
// CLOB books of a market.
type GammaMarket struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	ConditionID  string `json:"conditionId"`
	Outcomes     string `json:"outcomes"`
	ClobTokenIDs string `json:"clobTokenIds"`
	Closed       bool   `json:"closed"`
}

// TokenIDs decodes clobTokenIds, which Gamma serves as a JSON array
// encoded inside a string.
func (m GammaMarket) TokenIDs() ([]string, error) {
	if strings.TrimSpace(m.ClobTokenIDs) == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: market %s: clobTokenIds: %w", m.Slug, err)
	}
	return ids, nil
}

// GammaClient is the REST client for the Polymarket Gamma API. It turns
// market slugs into the token ids whose books are tracked.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetMarketBySlug returns a single market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (GammaMarket, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return GammaMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var markets []GammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return GammaMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return GammaMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// ResolveTokenIDs expands market slugs into their outcome token ids,
// preserving order and dropping duplicates. Closed markets are skipped.
func (g *GammaClient) ResolveTokenIDs(ctx context.Context, slugs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, slug := range slugs {
		m, err := g.GetMarketBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		if m.Closed {
			continue
		}
		ids, err := m.TokenIDs()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
