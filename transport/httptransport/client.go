package httptransport

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

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "transport/http"

// Client is a synckit.RemoteEndpoint talking to a Handler.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	options *ClientOptions
}

var _ synckit.RemoteEndpoint = (*Client)(nil)

// NewClient creates a client for the handler mounted at baseURL, e.g.
// "http://master:8080/sync".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	options := applyClientOptions(opts...)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  options.HTTPClient,
		logger:  logging.For(options.Logger, logging.Component(component)),
		options: options,
	}
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string { return c.baseURL }

// PushRows sends rows to POST /push and returns the rejected ones.
//
// Bodies larger than GzipMinBytes are gzip compressed when compression is
// enabled. Responses are decompressed by the client itself, not by
// net/http, so the decompressed size limit applies.
func (c *Client) PushRows(ctx context.Context, rows []synckit.WriteRow) ([]synckit.WriteError, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(PushRequest{Rows: rows})
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPush, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to marshal rows: %w", err))
	}

	body := payload
	compressed := false
	if c.options.CompressionEnabled && len(payload) > c.options.GzipMinBytes {
		if body, err = gzipBytes(payload); err != nil {
			return nil, syncErrors.E(syncErrors.OpPush, syncErrors.Component(component),
				fmt.Errorf("failed to compress request: %w", err))
		}
		compressed = true
		c.logger.Debug("Compressed push request",
			"original_size", len(payload),
			"compressed_size", len(body))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPush, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	var resp PushResponse
	if err := c.do(req, syncErrors.OpPush, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("Push completed",
		"rows", len(rows),
		"rejected", len(resp.Errors))
	if len(resp.Errors) == 0 {
		return nil, nil
	}
	return resp.Errors, nil
}

// PullChanges fetches one page from GET /pull.
func (c *Client) PullChanges(ctx context.Context, checkpoint cursor.Cursor, batchSize int) (synckit.ChangesPage, error) {
	params := url.Values{}
	encoded, err := c.options.Registry.Encode(checkpoint)
	if err != nil {
		return synckit.ChangesPage{}, syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to encode checkpoint: %w", err))
	}
	if encoded != nil {
		params.Set(paramCheckpoint, string(encoded))
	}
	if batchSize > 0 {
		params.Set(paramLimit, strconv.Itoa(batchSize))
	}
	target := c.baseURL + "/pull"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return synckit.ChangesPage{}, syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to create request: %w", err))
	}

	var resp PullResponse
	if err := c.do(req, syncErrors.OpPull, &resp); err != nil {
		return synckit.ChangesPage{}, err
	}
	next, err := c.options.Registry.UnmarshalWire(resp.Checkpoint)
	if err != nil {
		return synckit.ChangesPage{}, syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("invalid checkpoint in response: %w", err))
	}
	c.logger.Debug("Pull completed", "documents", len(resp.Documents))
	return synckit.ChangesPage{Documents: resp.Documents, Checkpoint: next}, nil
}

// do sends req and decodes a 200 response into out. Network failures and 5xx
// responses are transient; other statuses are invalid requests.
func (c *Client) do(req *http.Request, op syncErrors.Operation, out any) error {
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Request failed",
			"op", string(op),
			"url", req.URL.Redacted(),
			"error", err)
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, syncErrors.ErrCodeNetworkFailure,
			fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to read response: %w", err))
	}
	defer cleanup()

	if resp.StatusCode != http.StatusOK {
		var body errorResponse
		raw, _ := io.ReadAll(reader)
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		kind := syncErrors.KindInvalid
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			kind = syncErrors.KindTransient
		}
		c.logger.Warn("Server returned error status",
			"op", string(op),
			"status_code", resp.StatusCode,
			"error", body.Error)
		return syncErrors.E(op, syncErrors.Component(component), kind,
			fmt.Errorf("server error (status %d): %s", resp.StatusCode, body.Error))
	}

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
