// SPDX-License-Identifier: MIT

package ota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a whole image download.
const DefaultFetchTimeout = 30 * time.Second

// Fetcher streams a firmware image from a URL.
type Fetcher interface {
	// Fetch returns the image body and its total length in bytes. The
	// caller closes the body.
	Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// HTTPFetcher fetches images over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with the default download timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: DefaultFetchTimeout}}
}

// Fetch issues a GET and hands back the body stream and content length.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
