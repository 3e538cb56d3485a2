package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// ProductionDirectory is the Let's Encrypt production directory URL.
	ProductionDirectory = "https://acme-v02.api.letsencrypt.org/directory"

	// StagingDirectory is the Let's Encrypt staging directory URL.
	StagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Directory holds the resource URLs discovered from an ACME directory.
type Directory struct {
	NewAccountURL string `json:"newAccount"`
	NewNonceURL   string `json:"newNonce"`
	NewOrderURL   string `json:"newOrder"`
}

// FetchDirectory retrieves the directory resource from the given URL.
func FetchDirectory(ctx context.Context, client *http.Client, url string) (Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Directory{}, fmt.Errorf("acme: build directory request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Directory{}, fmt.Errorf("acme: fetch directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Directory{}, unexpectedResponse(url, resp)
	}

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return Directory{}, fmt.Errorf("acme: decode directory: %w", err)
	}
	return dir, nil
}

// unexpectedResponse drains the response body into a typed error.
func unexpectedResponse(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &UnexpectedResponseError{
		URL:    url,
		Status: resp.StatusCode,
		Body:   string(body),
	}
}
