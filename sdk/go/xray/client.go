package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/xray/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the xray server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is exchanged for bearer tokens. Leave empty when the server
	// runs without authentication.
	APIKey string

	// ClientName is recorded as the token subject. Defaults to "sdk".
	ClientName string

	// HTTPClient is an optional custom HTTP client. If nil, a client with an
	// OpenTelemetry-instrumented transport and Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// Logger receives transport failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an HTTP client for the xray API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager // nil when no API key is configured
	logger   *slog.Logger
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or malformed.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("xray: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("xray: invalid BaseURL: %w", err)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
		logger:  logger,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.APIKey, cfg.ClientName, httpClient)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartRun asks the server to create a run and returns a Run bound to the
// new run ID, delivering through an HTTPTransport.
func (c *Client) StartRun(ctx context.Context, cfg RunConfig, opts ...RunOption) (*Run, error) {
	var resp model.CreateRunResponse
	if err := c.post(ctx, "/runs", cfg, &resp); err != nil {
		return nil, fmt.Errorf("xray: start run: %w", err)
	}
	opts = append([]RunOption{WithLogger(c.logger)}, opts...)
	return NewRun(resp.RunID, c.Transport(resp.RunID), opts...), nil
}

// Transport returns an HTTPTransport that delivers events for runID.
func (c *Client) Transport(runID uuid.UUID) *HTTPTransport {
	return &HTTPTransport{client: c, runID: runID, logger: c.logger}
}

// GetRun retrieves a run with its steps in seq order.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var resp RunDetail
	if err := c.get(ctx, "/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListStepsOptions narrows ListSteps. Zero values mean "no filter".
type ListStepsOptions struct {
	StepType     StepType
	Pipeline     string
	MinDropRatio *float64
	Limit        int
}

// ListSteps returns steps across runs, newest first.
func (c *Client) ListSteps(ctx context.Context, opts *ListStepsOptions) ([]StepRow, error) {
	params := url.Values{}
	if opts != nil {
		if opts.StepType != "" {
			params.Set("step_type", string(opts.StepType))
		}
		if opts.Pipeline != "" {
			params.Set("pipeline", opts.Pipeline)
		}
		if opts.MinDropRatio != nil {
			params.Set("min_drop_ratio", strconv.FormatFloat(*opts.MinDropRatio, 'f', -1, 64))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/steps"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp model.ListStepsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("xray: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xray: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("xray: marshal request body: %w", err)
	}
	return c.postRaw(ctx, path, encoded, dest)
}

func (c *Client) postRaw(ctx context.Context, path string, encoded []byte, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("xray: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("xray: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if c.tokenMgr != nil {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("xray: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xray: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("xray: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
