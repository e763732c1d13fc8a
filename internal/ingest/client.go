// package ingest is the client for the downstream ingestion endpoint. A
// submission carries the correlation id, mapper version, callback URL and the
// mapped artifact as a multipart form; the synchronous acknowledgment is
// arbitrary JSON that must echo a request identifier.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Ack is the parsed synchronous acknowledgment. Raw keeps the full response
// body; Echo is the request identifier found in it. The caller's own
// correlation id stays authoritative for matching.
type Ack struct {
	Echo string
	Raw  json.RawMessage
}

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// Client submits mapped artifacts with bounded retries.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ingest: base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// Submission describes one artifact upload.
type Submission struct {
	CorrelationID string
	MapperVersion string
	CallbackURL   string
	ArtifactName  string
	Artifact      io.Reader
}

// Submit posts the artifact and returns the acknowledgment. An acknowledgment
// that carries no usable request identifier is an error: without the echo the
// submission cannot be trusted to produce a callback.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Ack, error) {
	// The artifact reader can only be consumed once, so the request body is
	// built up front and replayed per attempt.
	body, contentType, err := buildForm(sub)
	if err != nil {
		return nil, err
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("ingest: build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			ack, parseErr := decodeAck(resp, sub.CorrelationID)
			resp.Body.Close()
			if parseErr == nil {
				return ack, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("ingest: submit %s failed: %w", sub.CorrelationID, lastErr)
}

func buildForm(sub Submission) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"correlation_id": sub.CorrelationID,
		"mapper_version": sub.MapperVersion,
		"callback_url":   sub.CallbackURL,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("ingest: write field %s: %w", k, err)
		}
	}
	name := sub.ArtifactName
	if name == "" {
		name = "artifact.csv"
	}
	part, err := w.CreateFormFile("artifact", filepath.Base(name))
	if err != nil {
		return nil, "", fmt.Errorf("ingest: create artifact part: %w", err)
	}
	if _, err := io.Copy(part, sub.Artifact); err != nil {
		return nil, "", fmt.Errorf("ingest: copy artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("ingest: finish form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeAck(resp *http.Response, correlationID string) (*Ack, error) {
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("ingest endpoint unavailable: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ingest endpoint rejected request: %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read acknowledgment: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("acknowledgment is not JSON: %w", err)
	}
	echo := findEcho(doc)
	if echo == "" {
		return nil, fmt.Errorf("acknowledgment carries no request identifier")
	}
	if echo != correlationID {
		return nil, fmt.Errorf("acknowledgment echoes %q, expected %q", echo, correlationID)
	}
	return &Ack{Echo: echo, Raw: raw}, nil
}

// findEcho looks for the request identifier under the known key spellings.
func findEcho(doc map[string]json.RawMessage) string {
	for _, key := range []string{"correlation_id", "correlationId", "request_id", "requestId"} {
		if raw, ok := doc[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}
	return ""
}
