// Package ollamaclient is a minimal HTTP client for one Ollama
// instance's own API, used by the Model Puller (§4.7) to drive
// /api/pull, /api/tags and /api/delete against the instance's mapped
// host port. Modeled on the retrieval pack's own Ollama client
// (api/client_stream.go): newline-delimited JSON streaming decoded with
// a buffered scanner, one progress callback per line.
package ollamaclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProgressResponse mirrors the pull/push/create progress record shape
// (the pack's api.ProgressResponse).
type ProgressResponse struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullRequest is the body for POST /api/pull.
type PullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// TagsResponse is the body of GET /api/tags, used as the follow-up
// inspect call: unlike /api/show (which carries no size/digest field in
// the upstream API this was grounded on), /api/tags's per-model entries
// do carry Size and Digest, so this repo backfills from there instead.
type TagsResponse struct {
	Models []TagEntry `json:"models"`
}

type TagEntry struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// DeleteRequest is the body for DELETE /api/delete.
type DeleteRequest struct {
	Model string `json:"model"`
}

// Client talks to one Ollama instance's own HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// PullProgressFunc is invoked once per streamed progress line; returning
// an error aborts the pull.
type PullProgressFunc func(ProgressResponse) error

// Pull streams POST /api/pull, invoking fn for every newline-delimited
// JSON progress record, the way the pack's Client.Pull does.
func (c *Client) Pull(ctx context.Context, model string, fn PullProgressFunc) error {
	body, err := json.Marshal(PullRequest{Model: model, Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("ollama pull: status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var progress ProgressResponse
		if err := json.Unmarshal(line, &progress); err != nil {
			return fmt.Errorf("ollama pull: malformed progress line: %w", err)
		}
		if err := fn(progress); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Tags calls GET /api/tags, used as the follow-up inspect after a pull
// completes to backfill size/digest/modified_at (§4.7, §9).
func (c *Client) Tags(ctx context.Context) (TagsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return TagsResponse{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TagsResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return TagsResponse{}, fmt.Errorf("ollama tags: status %s", resp.Status)
	}

	var out TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TagsResponse{}, fmt.Errorf("ollama tags: malformed response: %w", err)
	}
	return out, nil
}

// Delete calls DELETE /api/delete to remove a pulled model.
func (c *Client) Delete(ctx context.Context, model string) error {
	body, err := json.Marshal(DeleteRequest{Model: model})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("ollama delete: status %s", resp.Status)
	}
	return nil
}
