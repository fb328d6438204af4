// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-fieldsync/syncserver"
)

// HTTPRemote talks to a syncserver deployment over its REST API
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote client for baseURL (e.g. "https://api.example.com")
func NewHTTPRemote(baseURL string, tok func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *HTTPRemote) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	var out Record
	if err := r.do(ctx, http.MethodPost, "/sync/"+url.PathEscape(collection), rec, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (r *HTTPRemote) Update(ctx context.Context, collection, id string, rec Record) (Record, error) {
	var out Record
	path := "/sync/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	if err := r.do(ctx, http.MethodPut, path, rec, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (r *HTTPRemote) Delete(ctx context.Context, collection, id string) error {
	path := "/sync/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	return r.do(ctx, http.MethodDelete, path, nil, nil)
}

func (r *HTTPRemote) SelectSince(ctx context.Context, collection string, since time.Time) ([]Record, error) {
	q := url.Values{}
	q.Set("since", FormatTime(since))
	path := "/sync/" + url.PathEscape(collection) + "?" + q.Encode()

	var resp syncserver.RecordsResponse
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(resp.Records))
	for i, raw := range resp.Records {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %d of %s: %w", i, collection, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := &RemoteError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er syncserver.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			remoteErr.Code = er.Error
			remoteErr.Message = er.Message
		} else if len(raw) > 0 {
			remoteErr.Message = string(raw)
		}
		return remoteErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
