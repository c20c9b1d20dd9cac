package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Discovery is a backend's advertised model list plus when it was fetched.
type Discovery struct {
	Models    []string  `json:"models"`
	FetchedAt time.Time `json:"fetched_at"`
}

// DiscoveryCache is a time-boxed per-endpoint cache of GET /models. It is an
// explicit object passed to callers, never process-global state.
type DiscoveryCache struct {
	http  *http.Client
	cache *expirable.LRU[string, Discovery]
	ttl   time.Duration
}

func NewDiscoveryCache(timeout, ttl time.Duration, maxEndpoints int) *DiscoveryCache {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEndpoints <= 0 {
		maxEndpoints = 16
	}
	return &DiscoveryCache{
		http:  &http.Client{Timeout: timeout},
		cache: expirable.NewLRU[string, Discovery](maxEndpoints, nil, ttl),
		ttl:   ttl,
	}
}

type modelsResp struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models returns the backend's model ids, refetching only after the TTL.
func (d *DiscoveryCache) Models(ctx context.Context, baseURL string) ([]string, error) {
	if d == nil || d.http == nil {
		return nil, &ClientError{Message: "discovery cache is nil"}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, &ClientError{Message: "base_url is required"}
	}
	if cached, ok := d.cache.Get(baseURL); ok {
		return cached.Models, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return nil, &ClientError{Message: "build request", Err: err}
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, &ClientError{Message: "discovery request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		const max = 1024
		if len(raw) > max {
			raw = raw[:max]
		}
		return nil, &ClientError{Message: fmt.Sprintf("unexpected status %s: %s", resp.Status, raw)}
	}

	var out modelsResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ClientError{Message: "invalid discovery payload", Err: err}
	}
	models := make([]string, 0, len(out.Data))
	for _, item := range out.Data {
		if item.ID != "" {
			models = append(models, item.ID)
		}
	}
	d.cache.Add(baseURL, Discovery{Models: models, FetchedAt: time.Now().UTC()})
	return models, nil
}
