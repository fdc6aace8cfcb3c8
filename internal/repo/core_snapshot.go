package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
)

// CoreSnapshotter fetches metric snapshots from a mirador-core compatible
// endpoint that answers {"resource_id": ...} with {"metrics": {name: value}}.
type CoreSnapshotter struct {
	baseURL      string
	snapshotPath string
	httpClient   *http.Client
	cache        snapshotCache
}

// NewCoreSnapshotter constructs a client targeting the configured core instance.
func NewCoreSnapshotter(baseURL, snapshotPath string, timeout time.Duration, cacheProvider cache.Provider, cacheTTL time.Duration, logger *slog.Logger) *CoreSnapshotter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if snapshotPath == "" {
		snapshotPath = "/api/v1/heal/metrics/snapshot"
	}
	return &CoreSnapshotter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		snapshotPath: snapshotPath,
		httpClient:   &http.Client{Timeout: timeout},
		cache:        newSnapshotCache(cacheProvider, cacheTTL, logger),
	}
}

// Snapshot posts the resource id and returns the flat metric map.
func (c *CoreSnapshotter) Snapshot(ctx context.Context, resourceID string) (map[string]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("core snapshotter not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("core base URL not configured")
	}

	payload := map[string]interface{}{
		"resource_id": resourceID,
		"at":          time.Now().UTC().Format(time.RFC3339),
	}
	var response struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.snapshotPath), payload, &response); err != nil {
		return c.cache.fallback(ctx, resourceID, fmt.Errorf("core snapshot request failed: %w", err))
	}
	if response.Metrics == nil {
		response.Metrics = map[string]float64{}
	}
	c.cache.remember(ctx, resourceID, response.Metrics)
	return response.Metrics, nil
}

func (c *CoreSnapshotter) resolvePath(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	u.Path = path.Join(u.Path, p)
	return u.String()
}

func (c *CoreSnapshotter) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("core returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
