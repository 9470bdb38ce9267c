// Package upstream provides the REST clients for the column store
// fronting the pages and page_vectors tables, and for notifying the
// retrieval service about refreshed vectors.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// Config configures the column-store client.
type Config struct {
	// BaseURL is the REST gateway root, e.g. http://stargate:8080.
	BaseURL string

	// AuthToken is sent as X-Cassandra-Token when non-empty.
	AuthToken string

	// Keyspace holds the pages and page_vectors tables.
	Keyspace string

	// ReadTimeout bounds single-row reads.
	ReadTimeout time.Duration

	// ScanTimeout bounds one page of a bulk scan.
	ScanTimeout time.Duration

	// WriteTimeout bounds vector upserts.
	WriteTimeout time.Duration

	// ScanPageSize is the page size for bulk scans.
	ScanPageSize int
}

// Client talks to the upstream column store. A circuit breaker guards
// all calls: after repeated upstream failures it fails fast instead of
// piling more load on a struggling store.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// VectorRow is one row of the page_vectors table.
type VectorRow struct {
	PageID string    `json:"page_id"`
	Vector []float32 `json:"vector"`
}

// PageRow is one row of the pages table.
type PageRow struct {
	PageID string `json:"page_id"`
	Body   string `json:"body"`
}

// scanResponse is the paged-read envelope returned by the gateway.
type scanResponse struct {
	Data      []json.RawMessage `json:"data"`
	PageState string            `json:"pageState"`
}

// NewClient creates an upstream client.
func NewClient(cfg Config) *Client {
	if cfg.Keyspace == "" {
		cfg.Keyspace = "gibsey"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ScanPageSize <= 0 {
		cfg.ScanPageSize = 100
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "upstream-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("upstream_breaker_state_change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		breaker: breaker,
	}
}

// GetPageBody reads one page's body. A 404 is a definitive NotFound and
// is never retried; other failures retry with backoff.
func (c *Client) GetPageBody(ctx context.Context, pageID string) (string, error) {
	u := fmt.Sprintf("%s/v2/keyspaces/%s/pages/%s",
		c.cfg.BaseURL, c.cfg.Keyspace, url.PathEscape(pageID))

	var body string
	err := ragerr.Retry(ctx, ragerr.DefaultRetryConfig(), func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()

		resp, err := c.do(reqCtx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := classifyStatus(resp.StatusCode, pageID); err != nil {
			drain(resp.Body)
			return err
		}

		var row PageRow
		if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
			return ragerr.UpstreamError("decode page row", err)
		}
		body = row.Body
		return nil
	})
	return body, err
}

// PutVector upserts one page_vectors row. Upserts are idempotent on the
// page key, which is what makes CDC replays safe.
func (c *Client) PutVector(ctx context.Context, pageID string, vector []float32) error {
	u := fmt.Sprintf("%s/v2/keyspaces/%s/page_vectors/%s",
		c.cfg.BaseURL, c.cfg.Keyspace, url.PathEscape(pageID))

	payload, err := json.Marshal(map[string][]float32{"vector": vector})
	if err != nil {
		return ragerr.InternalError("marshal vector row", err)
	}

	return ragerr.Retry(ctx, ragerr.DefaultRetryConfig(), func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()

		resp, err := c.do(reqCtx, http.MethodPut, u, payload)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		drain(resp.Body)

		return classifyStatus(resp.StatusCode, pageID)
	})
}

// DeleteVector removes one page_vectors row. A 404 counts as success:
// the row is gone either way.
func (c *Client) DeleteVector(ctx context.Context, pageID string) error {
	u := fmt.Sprintf("%s/v2/keyspaces/%s/page_vectors/%s",
		c.cfg.BaseURL, c.cfg.Keyspace, url.PathEscape(pageID))

	return ragerr.Retry(ctx, ragerr.DefaultRetryConfig(), func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()

		resp, err := c.do(reqCtx, http.MethodDelete, u, nil)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		drain(resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyStatus(resp.StatusCode, pageID)
	})
}

// ScanPageVectors walks the whole page_vectors table in pages, invoking
// fn for every row. Rows with missing IDs or malformed vectors are
// skipped with a warning; bulk loads should not die on one bad row.
func (c *Client) ScanPageVectors(ctx context.Context, fn func(row VectorRow) error) error {
	table := fmt.Sprintf("%s/v2/keyspaces/%s/page_vectors", c.cfg.BaseURL, c.cfg.Keyspace)
	return c.scan(ctx, table, func(raw json.RawMessage) error {
		var row VectorRow
		if err := json.Unmarshal(raw, &row); err != nil || row.PageID == "" {
			slog.Warn("skipping malformed vector row", slog.String("error", fmt.Sprint(err)))
			return nil
		}
		return fn(row)
	})
}

// ScanPages walks the pages table, invoking fn for every row.
func (c *Client) ScanPages(ctx context.Context, fn func(row PageRow) error) error {
	table := fmt.Sprintf("%s/v2/keyspaces/%s/pages", c.cfg.BaseURL, c.cfg.Keyspace)
	return c.scan(ctx, table, func(raw json.RawMessage) error {
		var row PageRow
		if err := json.Unmarshal(raw, &row); err != nil || row.PageID == "" {
			slog.Warn("skipping malformed page row", slog.String("error", fmt.Sprint(err)))
			return nil
		}
		return fn(row)
	})
}

// scan performs the paged traversal: each request carries the opaque
// continuation token from the previous response until none is returned.
func (c *Client) scan(ctx context.Context, table string, fn func(raw json.RawMessage) error) error {
	pageState := ""
	for {
		u := fmt.Sprintf("%s?page-size=%d", table, c.cfg.ScanPageSize)
		if pageState != "" {
			u += "&page-state=" + url.QueryEscape(pageState)
		}

		var page scanResponse
		err := ragerr.Retry(ctx, ragerr.DefaultRetryConfig(), func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ScanTimeout)
			defer cancel()

			resp, err := c.do(reqCtx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			if err := classifyStatus(resp.StatusCode, table); err != nil {
				drain(resp.Body)
				return err
			}
			page = scanResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				return ragerr.UpstreamError("decode scan page", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, raw := range page.Data {
			if err := fn(raw); err != nil {
				return err
			}
		}

		if page.PageState == "" || len(page.Data) == 0 {
			return nil
		}
		pageState = page.PageState
	}
}

// do issues one HTTP request through the circuit breaker.
func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, ragerr.InternalError("create upstream request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("X-Cassandra-Token", c.cfg.AuthToken)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx feeds the breaker; 4xx is the caller's problem, not the
		// store's health.
		if resp.StatusCode >= 500 {
			drain(resp.Body)
			_ = resp.Body.Close()
			return nil, ragerr.UpstreamError(
				fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ragerr.New(ragerr.ErrCodeCircuitOpen, "upstream circuit open", err)
		}
		var re *ragerr.RagError
		if errors.As(err, &re) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ragerr.New(ragerr.ErrCodeCancelled, "upstream request cancelled", ctx.Err())
		}
		return nil, ragerr.UpstreamError("upstream request failed", err)
	}
	return resp, nil
}

// classifyStatus maps a response status to the service error model.
func classifyStatus(status int, key string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ragerr.NotFound(fmt.Sprintf("%s not found", key))
	case status >= 400 && status < 500:
		return ragerr.New(ragerr.ErrCodeInvalidRequest,
			fmt.Sprintf("upstream rejected request for %s with status %d", key, status), nil)
	default:
		return ragerr.UpstreamError(
			fmt.Sprintf("upstream returned status %d for %s", status, key), nil)
	}
}

// drain consumes a response body so the connection can be reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
