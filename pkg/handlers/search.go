package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harun/avatarcore/internal/config"
)

// HTTPSearcher queries a JSON search service: GET {endpoint}?q=...&limit=N
// returning {"results":[{"title","url","snippet"}]}.
type HTTPSearcher struct {
	endpoint   string
	apiKey     string
	limit      int
	httpClient *http.Client
}

func (s *HTTPSearcher) Init(_ context.Context, cfg config.HandlerConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("http searcher: endpoint is required")
	}
	s.endpoint = cfg.Endpoint
	s.apiKey = cfg.APIKey
	s.limit = intOption(cfg.Options, "limit", 3)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s.httpClient = &http.Client{Timeout: timeout}
	return nil
}

func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(s.limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: call service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search: service error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}
	if len(result.Results) > s.limit {
		result.Results = result.Results[:s.limit]
	}
	return result.Results, nil
}

func (s *HTTPSearcher) Close() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}
