// Package hasher is the client for the deterministic hashing service used to
// pseudonymise linking identifiers. Hashes are stable per (project, value),
// so responses are optionally cached in Redis.
package hasher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client resolves a value to its project-salted hash.
type Client interface {
	// Hash returns the hex digest for value under the project's salt,
	// truncated to length when length > 0.
	Hash(ctx context.Context, projectSlug, value string, length int) (string, error)
}

// httpHasher is the production implementation backed by the hashing service.
type httpHasher struct {
	baseURL string
	http    *http.Client
	cache   *redis.Client
	logger  *zap.Logger
}

// New builds a hashing client. cache may be nil to disable caching.
func New(baseURL string, cache *redis.Client, logger *zap.Logger) Client {
	return &httpHasher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		logger:  logger,
	}
}

func cacheKey(projectSlug, value string, length int) string {
	return fmt.Sprintf("pixl:hash:%s:%d:%s", projectSlug, length, value)
}

func (h *httpHasher) Hash(ctx context.Context, projectSlug, value string, length int) (string, error) {
	key := cacheKey(projectSlug, value, length)
	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			return cached, nil
		}
	}

	params := url.Values{}
	params.Set("project_slug", projectSlug)
	params.Set("message", value)
	if length > 0 {
		params.Set("length", strconv.Itoa(length))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/hash?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("hasher: build request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("hasher: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hasher: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hasher: read response: %w", err)
	}
	digest := strings.TrimSpace(string(raw))
	if digest == "" {
		return "", fmt.Errorf("hasher: empty digest for project %s", projectSlug)
	}

	if h.cache != nil {
		// Digests are deterministic; the TTL only bounds cache growth.
		if err := h.cache.Set(ctx, key, digest, 24*time.Hour).Err(); err != nil {
			h.logger.Debug("hash cache write failed", zap.Error(err))
		}
	}
	return digest, nil
}
