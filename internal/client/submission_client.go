package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/dto"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
)

// envelope mirrors the grading API's standard response wrapper.
type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

// SubmissionClient talks to the Podium grading API: presign, register,
// trigger and poll. Byte transfer against presigned targets lives in
// transfer.go.
type SubmissionClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Options configures a SubmissionClient.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewSubmissionClient builds a client with sane fallbacks.
func NewSubmissionClient(opts Options) *SubmissionClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionClient{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    httpClient,
		logger:  logger,
	}
}

// Presign requests a transfer target and provisional submission id.
func (c *SubmissionClient) Presign(ctx context.Context, batchID string, req dto.PresignRequest) (*dto.PresignResponse, error) {
	var out dto.PresignResponse
	url := fmt.Sprintf("%s/api/v1/batches/%s/uploads", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodPost, url, req, &out, appErrors.ErrPresign); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register hands a transferred object to the processing queue and returns
// the authoritative submission id.
func (c *SubmissionClient) Register(ctx context.Context, batchID string, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	var out dto.RegisterResponse
	url := fmt.Sprintf("%s/api/v1/batches/%s/submissions", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodPost, url, req, &out, appErrors.ErrRegistration); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trigger asks the queue to advance a bounded number of items.
func (c *SubmissionClient) Trigger(ctx context.Context, batchID string) (*dto.TriggerResponse, error) {
	var out dto.TriggerResponse
	url := fmt.Sprintf("%s/api/v1/batches/%s/process", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodPost, url, struct{}{}, &out, appErrors.ErrTrigger); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches the authoritative batch and submission list.
func (c *SubmissionClient) Poll(ctx context.Context, batchID string) (*dto.PollResponse, error) {
	var out dto.PollResponse
	url := fmt.Sprintf("%s/api/v1/batches/%s", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &out, appErrors.ErrPoll); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON performs one API round-trip, decoding the standard envelope and
// folding failures into the given taxonomy sentinel.
func (c *SubmissionClient) doJSON(ctx context.Context, method, url string, in, out interface{}, sentinel *appErrors.Error) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return appErrors.Wrap(err, sentinel.Code, sentinel.Status, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return appErrors.Wrap(err, sentinel.Code, sentinel.Status, sentinel.Message)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.Wrap(err, sentinel.Code, sentinel.Status, sentinel.Message)
	}
	defer resp.Body.Close() //nolint:errcheck

	var env envelope
	if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return appErrors.Wrap(decodeErr, sentinel.Code, sentinel.Status, "decode response")
		}
		return appErrors.Clone(sentinel, fmt.Sprintf("%s: status %d", sentinel.Message, resp.StatusCode))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := fmt.Sprintf("%s: status %d", sentinel.Message, resp.StatusCode)
		if env.Error != nil && env.Error.Message != "" {
			message = env.Error.Message
		}
		return appErrors.New(sentinel.Code, resp.StatusCode, message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return appErrors.Wrap(err, sentinel.Code, sentinel.Status, "decode response data")
		}
	}
	return nil
}
