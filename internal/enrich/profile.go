package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ProfileFetcher fetches author metadata by actor id.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, actor string) (*Profile, error)
}

// HTTPProfileFetcher calls the public Bluesky getProfile endpoint.
type HTTPProfileFetcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProfileFetcher creates a fetcher for the given XRPC endpoint.
func NewHTTPProfileFetcher(endpoint string) *HTTPProfileFetcher {
	return &HTTPProfileFetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *HTTPProfileFetcher) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.endpoint+"?actor="+url.QueryEscape(actor), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile: status %d for %s", resp.StatusCode, actor)
	}

	var body struct {
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}

	return &Profile{DisplayName: body.DisplayName, Handle: body.Handle}, nil
}
