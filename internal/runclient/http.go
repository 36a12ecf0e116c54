package runclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/pkg/types"
)

const (
	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second
	// MaxRetries is the maximum number of retries per request.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = 250 * time.Millisecond
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 5 * time.Second
)

// HTTPClient implements Client against the LangGraph REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries uint64
	initial    time.Duration
	log        zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAPIKey sends key in the x-api-key header.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout bounds each non-streaming request.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the retry budget and first backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		if initial > 0 {
			c.initial = initial
		}
	}
}

// New creates an HTTPClient for the service at baseURL.
func New(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: MaxRetries,
		initial:    RetryInitialInterval,
		log:        logging.Component("runclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the loaded configuration.
func NewFromConfig(cfg *types.Config) *HTTPClient {
	return New(cfg.APIURL,
		WithAPIKey(cfg.APIKey),
		WithTimeout(time.Duration(cfg.RequestTimeout)*time.Second),
	)
}

// newRetryBackoff creates an exponential backoff with jitter for one request.
func (c *HTTPClient) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}

type assistantRequest struct {
	GraphID  string         `json:"graph_id"`
	Config   map[string]any `json:"config,omitempty"`
	IfExists string         `json:"if_exists"`
}

// CreateAssistant registers an assistant for graphID.
func (c *HTTPClient) CreateAssistant(ctx context.Context, graphID string, config map[string]any) (string, error) {
	var out struct {
		AssistantID string `json:"assistant_id"`
	}
	body := assistantRequest{GraphID: graphID, Config: config, IfExists: "raise"}
	if err := c.doJSON(ctx, http.MethodPost, "/assistants", body, &out); err != nil {
		return "", err
	}
	if out.AssistantID == "" {
		return "", errors.New("create assistant: response has no assistant_id")
	}
	return out.AssistantID, nil
}

// CreateThread creates an empty thread.
func (c *HTTPClient) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.ThreadID == "" {
		return "", errors.New("create thread: response has no thread_id")
	}
	return out.ThreadID, nil
}

type runInput struct {
	Messages []types.Message `json:"messages"`
}

type runCommand struct {
	Update runInput `json:"update"`
}

type runPayload struct {
	AssistantID string           `json:"assistant_id"`
	Input       *runInput        `json:"input"`
	StreamMode  []string         `json:"stream_mode"`
	Config      map[string]any   `json:"config,omitempty"`
	Checkpoint  types.Checkpoint `json:"checkpoint,omitempty"`
	Command     *runCommand      `json:"command,omitempty"`
}

func newRunPayload(assistantID string, req RunRequest) runPayload {
	p := runPayload{
		AssistantID: assistantID,
		StreamMode:  StreamModes,
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
	}
	// A resume continues from the checkpoint with no new input.
	if len(req.Input) > 0 || len(req.Checkpoint) == 0 {
		input := req.Input
		if input == nil {
			input = []types.Message{}
		}
		p.Input = &runInput{Messages: input}
	}
	if req.HistoryReset != nil {
		p.Command = &runCommand{Update: runInput{Messages: req.HistoryReset}}
	}
	return p
}

// StartRun opens a streaming run. The stream lives as long as ctx.
func (c *HTTPClient) StartRun(ctx context.Context, threadID, assistantID string, req RunRequest) (EventStream, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/stream"
	payload, err := json.Marshal(newRunPayload(assistantID, req))
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	var resp *http.Response
	op := func() error {
		r, err := c.send(ctx, http.MethodPost, path, payload, "text/event-stream")
		if err != nil {
			return c.classify(http.MethodPost, err)
		}
		resp = r
		return nil
	}
	if err := backoff.RetryNotify(op, c.newRetryBackoff(ctx), c.notify(http.MethodPost, path)); err != nil {
		return nil, err
	}

	c.log.Debug().Str("thread", threadID).Str("location", resp.Header.Get("Content-Location")).Msg("run stream opened")
	return newSSEStream(resp.Body, c.log.With().Str("thread", threadID).Logger()), nil
}

// InterruptRun asks the service to interrupt a running run.
func (c *HTTPClient) InterruptRun(ctx context.Context, threadID, runID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel?action=interrupt"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// GetThreadState fetches the latest state of a thread.
func (c *HTTPClient) GetThreadState(ctx context.Context, threadID string) (types.ThreadState, error) {
	var st types.ThreadState
	err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/state", nil, &st)
	return st, err
}

// DeleteAssistant removes an assistant.
func (c *HTTPClient) DeleteAssistant(ctx context.Context, assistantID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(assistantID), nil, nil)
}

// DeleteThread removes a thread.
func (c *HTTPClient) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil)
}

// doJSON performs a bounded request with retries, decoding the response into out.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.send(reqCtx, method, path, payload, "application/json")
		if err != nil {
			return c.classify(method, err)
		}
		defer resp.Body.Close()

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}
	return backoff.RetryNotify(op, c.newRetryBackoff(ctx), c.notify(method, path))
}

// send issues one request and converts non-2xx responses into *APIError.
func (c *HTTPClient) send(ctx context.Context, method, path string, payload []byte, accept string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}
	for _, field := range []string{"detail", "message", "error"} {
		if v := gjson.GetBytes(raw, field); v.Exists() {
			apiErr.Message = v.String()
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}

// classify marks errors that must not be retried as permanent.
// Throttling and gateway statuses are retried for every method; transport
// failures only for idempotent methods.
func (c *HTTPClient) classify(method string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Temporary() {
			return err
		}
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	if method == http.MethodGet || method == http.MethodDelete {
		return err
	}
	return backoff.Permanent(err)
}

func (c *HTTPClient) notify(method, path string) backoff.Notify {
	return func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Dur("retryIn", wait).Msg("retrying request")
	}
}
