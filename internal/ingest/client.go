// Package ingest polls agency alert feeds on a schedule, diffs each fresh
// snapshot against the last accepted one and turns the changes into queued
// push tasks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transitpush/internal/transit"
)

const (
	defaultFetchTimeout = 30 * time.Second

	// Feeds are small; anything past this is a broken or hostile endpoint.
	maxFeedBytes = 16 << 20
)

// Client fetches and decodes agency alert feeds.
type Client struct {
	hc *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Client{hc: &http.Client{Timeout: timeout}}
}

// Fetch downloads the feed and decodes it into an agency snapshot.
func (c *Client) Fetch(ctx context.Context, url string) (*transit.Agency, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("feed url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	var agency transit.Agency
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes))
	if err := dec.Decode(&agency); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	if strings.TrimSpace(agency.ID) == "" {
		return nil, errors.New("decode feed: missing agency id")
	}
	return &agency, nil
}
