// Package answers is the client for the external answer pipeline: query
// reformulation plus retrieval-augmented generation against the knowledge
// base. The pipeline is a black box; this client only speaks its
// request/response contract.
package answers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"epsam-assistant/internal/domain"
)

type reformulateRequest struct {
	Query string `json:"query"`
}

type reformulateResponse struct {
	Query string `json:"query"`
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type queryResponse struct {
	Text      string            `json:"text"`
	SessionID string            `json:"session_id,omitempty"`
	Citations []domain.Citation `json:"citations,omitempty"`
}

// QueryResult is the answer pipeline's decoded reply.
type QueryResult struct {
	Text      string
	SessionID string
	Citations []domain.Citation
	Raw       json.RawMessage
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("answers: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the answer pipeline's reformulate and query endpoints.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore getter for API
// key retrieval. The key is fetched from SSM on the first call and reused for
// the lifetime of the process.
func NewClient(ps Getter, baseURL, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("answers: paramstore getter must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("answers: base URL must not be empty")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("answers: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.paramPrefix+"/answers-api-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Reformulate rewrites a raw user question into a retrieval-friendly query.
// It is best-effort: on any failure the original query is returned unchanged
// and the failure is logged as requiring attention.
func (c *Client) Reformulate(ctx context.Context, query string) string {
	raw, err := c.post(ctx, "/reformulate", reformulateRequest{Query: query})
	if err != nil {
		slog.Warn("query reformulation failed, using original query", "err", err)
		return query
	}
	var payload reformulateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("query reformulation returned malformed response, using original query", "err", err)
		return query
	}
	if strings.TrimSpace(payload.Query) == "" {
		return query
	}
	return payload.Query
}

// Query asks the pipeline for an answer, passing the session id (when known)
// so the pipeline can maintain multi-turn context. Errors propagate to the
// caller's apology handling.
func (c *Client) Query(ctx context.Context, query, sessionID string) (QueryResult, error) {
	raw, err := c.post(ctx, "/query", queryRequest{Query: query, SessionID: sessionID})
	if err != nil {
		return QueryResult{}, fmt.Errorf("answers: query request failed: %w", err)
	}
	var payload queryResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return QueryResult{}, fmt.Errorf("answers: decode query response: %w", err)
	}
	if strings.TrimSpace(payload.Text) == "" {
		return QueryResult{}, errors.New("answers: empty answer text in response")
	}
	return QueryResult{
		Text:      payload.Text,
		SessionID: payload.SessionID,
		Citations: payload.Citations,
		Raw:       raw,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody any) (json.RawMessage, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("answers: paramstore getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("answers: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("answers: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("answers: API token is empty")
	}
	return tp.Token, nil
}
