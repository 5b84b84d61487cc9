package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Default per-operation timeouts.
const (
	DefaultInitiateTimeout = 30 * time.Second
	DefaultChunkTimeout    = 2 * time.Minute
	DefaultCompleteTimeout = time.Minute
)

// ClientConfig configures the HTTP session client.
type ClientConfig struct {
	BaseURL         string
	Token           string
	InitiateTimeout time.Duration
	ChunkTimeout    time.Duration
	CompleteTimeout time.Duration
	// RetryMax is the number of transport level retries of a single request. 0 disables them.
	RetryMax int
}

// Client talks to the scanning service's upload API.
type Client struct {
	httpClient *retryablehttp.Client
	cfg        ClientConfig
	logger     log.Logger
}

// NewClient ...
func NewClient(cfg ClientConfig, logger log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("retry count must not be negative, got %d", cfg.RetryMax)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.InitiateTimeout <= 0 {
		cfg.InitiateTimeout = DefaultInitiateTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = DefaultCompleteTimeout
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = cfg.RetryMax
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	// Non-2xx responses must reach the caller so they classify as rejections.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Initiate opens a session and returns its id.
func (c *Client) Initiate(ctx context.Context, request InitiateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InitiateTimeout)
	defer cancel()

	body, err := json.Marshal(request)
	if err != nil {
		return "", err
	}

	resp, err := c.postJSON(ctx, OpInitiate, "/upload/initiate", body)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return "", unwrapError(OpInitiate, resp)
	}

	var response initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	if response.SessionID == "" {
		return "", &APIError{Op: OpInitiate, StatusCode: resp.StatusCode, Message: "response has no sessionId"}
	}

	return response.SessionID, nil
}

// SendChunk uploads one chunk as a multipart form.
func (c *Client) SendChunk(ctx context.Context, sessionID string, index int, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("sessionId", sessionID); err != nil {
		return err
	}
	if err := form.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := form.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return err
	}
	if _, err := part.Write(payload); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, c.cfg.BaseURL+"/upload/chunk", buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	c.dumpRequest(OpChunk, req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send chunk %d: %w", index, err)
	}
	defer c.closeBody(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return unwrapError(OpChunk, resp)
	}

	return nil
}

// Complete finalizes a session and returns the service's result payload verbatim.
func (c *Client) Complete(ctx context.Context, sessionID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CompleteTimeout)
	defer cancel()

	body, err := json.Marshal(sessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	resp, err := c.postJSON(ctx, OpComplete, "/upload/complete", body)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, unwrapError(OpComplete, resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read complete response: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	return json.RawMessage(payload), nil
}

// Abort discards a session. A session the service no longer knows is not an error.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InitiateTimeout)
	defer cancel()

	body, err := json.Marshal(sessionRequest{SessionID: sessionID})
	if err != nil {
		return err
	}

	resp, err := c.postJSON(ctx, OpAbort, "/upload/abort", body)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debugf("Session %s is already gone", sessionID)
		return nil
	}
	if !isSuccess(resp.StatusCode) {
		return unwrapError(OpAbort, resp)
	}

	return nil
}

func (c *Client) postJSON(ctx context.Context, op Op, path string, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.dumpRequest(op, req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, url string, body []byte) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.Token))
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	return req, nil
}

// dumpRequest logs the request at debug level with the bearer token redacted.
func (c *Client) dumpRequest(op Op, req *retryablehttp.Request, body []byte) {
	redacted := req.Request.Clone(req.Context())
	if redacted.Header.Get("Authorization") != "" {
		redacted.Header.Set("Authorization", "Bearer [REDACTED]")
	}

	dump, err := httputil.DumpRequest(redacted, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
		return
	}
	c.logger.Debugf("%s request dump: %s%s", op, string(dump), string(body))
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}
