package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// UnknownLocation is stored when the lookup fails or yields nothing.
const UnknownLocation = "Unknown City"

const defaultGeoEndpoint = "https://ip-api.com/json"

// Locator resolves an approximate location for a source address.
type Locator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

type ipAPILocator struct {
	client   *http.Client
	endpoint string
	cache    *lru.Cache
}

// NewLocator returns a Locator backed by the ip-api.com JSON endpoint.
// An empty endpoint selects the public service. Successful lookups are
// cached; the lookup is best-effort and callers fall back to
// UnknownLocation on error.
func NewLocator(endpoint string, timeout time.Duration) (Locator, error) {
	if endpoint == "" {
		endpoint = defaultGeoEndpoint
	}
	cache, err := lru.New(512)
	if err != nil {
		return nil, err
	}
	return &ipAPILocator{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		cache:    cache,
	}, nil
}

func (l *ipAPILocator) Locate(ctx context.Context, ip string) (string, error) {
	if loc, ok := l.cache.Get(ip); ok {
		return loc.(string), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo lookup for %s: unexpected status %s", ip, resp.Status)
	}

	var body struct {
		Status string `json:"status"`
		City   string `json:"city"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding geo response for %s: %w", ip, err)
	}
	if body.Status != "success" || body.City == "" {
		return UnknownLocation, nil
	}
	l.cache.Add(ip, body.City)
	return body.City, nil
}
