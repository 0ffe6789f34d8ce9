package torrents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSearchTimeout = 10 * time.Second
	defaultCacheTTL      = 15 * time.Minute
	defaultSearchLimit   = 30
)

var ErrNoProviders = errors.New("no search providers configured")

type SearchResult struct {
	Title     string `json:"title"`
	MagnetURL string `json:"magnet_url"`
	Size      int64  `json:"size"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Quality   string `json:"quality,omitempty"`
}

// SearcherConfig wires external providers and the optional result cache.
// A nil Cache disables caching, every search hits the providers.
type SearcherConfig struct {
	ProviderURLs []string
	Cache        *redis.Client
	CacheTTL     time.Duration
	Timeout      time.Duration
}

type Searcher struct {
	providers []string
	client    *http.Client
	cache     *redis.Client
	cacheTTL  time.Duration
	logger    *slog.Logger
}

func NewSearcher(cfg *SearcherConfig, logger *slog.Logger) *Searcher {
	timeout := defaultSearchTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	ttl := defaultCacheTTL
	if cfg.CacheTTL > 0 {
		ttl = cfg.CacheTTL
	}

	return &Searcher{
		providers: cfg.ProviderURLs,
		client:    &http.Client{Timeout: timeout},
		cache:     cfg.Cache,
		cacheTTL:  ttl,
		logger:    logger,
	}
}

// Search queries every configured provider, merges the results, and drops
// duplicate torrents by info-hash. Provider failures are logged and
// skipped; the search only fails when no provider answered.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if len(s.providers) == 0 {
		return nil, ErrNoProviders
	}
	if limit <= 0 || limit > defaultSearchLimit {
		limit = defaultSearchLimit
	}

	query = strings.TrimSpace(query)
	cacheKey := fmt.Sprintf("torrsearch:%s:%d", strings.ToLower(query), limit)

	if cached, ok := s.fromCache(ctx, cacheKey); ok {
		return cached, nil
	}

	var (
		merged  []SearchResult
		errsAll = 0
	)
	for _, base := range s.providers {
		results, err := s.queryProvider(ctx, base, query, limit)
		if err != nil {
			errsAll++
			s.logger.WarnContext(ctx, "search provider failed", "provider", base, "error", err)
			continue
		}
		merged = append(merged, results...)
	}
	if errsAll == len(s.providers) {
		return nil, fmt.Errorf("all %d search providers failed", errsAll)
	}

	merged = dedupeByInfoHash(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Seeders > merged[j].Seeders
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	s.toCache(ctx, cacheKey, merged)
	return merged, nil
}

func (s *Searcher) fromCache(ctx context.Context, key string) ([]SearchResult, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "search cache read failed", "error", err)
		}
		return nil, false
	}

	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false
	}
	return results, true
}

func (s *Searcher) toCache(ctx context.Context, key string, results []SearchResult) {
	if s.cache == nil {
		return
	}

	raw, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL).Err(); err != nil {
		s.logger.WarnContext(ctx, "search cache write failed", "error", err)
	}
}

// providerResponse matches the solidtorrents-style JSON search API.
type providerResponse struct {
	Results []struct {
		Title  string `json:"title"`
		Magnet string `json:"magnet"`
		Size   int64  `json:"size"`
		Swarm  struct {
			Seeders  int `json:"seeders"`
			Leechers int `json:"leechers"`
		} `json:"swarm"`
	} `json:"results"`
}

func (s *Searcher) queryProvider(ctx context.Context, base, query string, limit int) ([]SearchResult, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("bad provider url: %w", err)
	}

	q := u.Query()
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var decoded providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	results := make([]SearchResult, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		if ValidateMagnet(item.Magnet) != nil {
			continue
		}
		results = append(results, SearchResult{
			Title:     item.Title,
			MagnetURL: item.Magnet,
			Size:      item.Size,
			Seeders:   item.Swarm.Seeders,
			Leechers:  item.Swarm.Leechers,
			Quality:   qualityFromTitle(item.Title),
		})
	}
	return results, nil
}

var infoHashPattern = regexp.MustCompile(`xt=urn:btih:([A-Za-z0-9]+)`)

func dedupeByInfoHash(results []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, result := range results {
		match := infoHashPattern.FindStringSubmatch(result.MagnetURL)
		if match == nil {
			continue
		}

		hash := strings.ToLower(match[1])
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, result)
	}
	return out
}

var qualityLabels = []string{"2160p", "1080p", "720p", "480p"}

func qualityFromTitle(title string) string {
	lower := strings.ToLower(title)
	for _, label := range qualityLabels {
		if strings.Contains(lower, label) {
			return label
		}
	}
	return ""
}
