package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// Notifier posts index updates to a running retrieval service so its
// in-memory index picks up new vectors without a restart. Notification
// failures are non-fatal to the caller's pipeline: the vector is
// already durable upstream and the next bootstrap will pick it up.
type Notifier struct {
	baseURL string
	client  *http.Client
}

// refreshRequest is the body of POST /refresh and POST /remove.
type refreshRequest struct {
	PageID string    `json:"page_id"`
	Vector []float32 `json:"vector,omitempty"`
}

// NewNotifier creates a notifier targeting the retrieval service at
// baseURL, e.g. http://memory-rag:8001.
func NewNotifier(baseURL string) *Notifier {
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// NotifyRefresh tells the retrieval service to upsert one vector.
func (n *Notifier) NotifyRefresh(ctx context.Context, pageID string, vector []float32) error {
	return n.post(ctx, "/refresh", refreshRequest{PageID: pageID, Vector: vector})
}

// NotifyRemove tells the retrieval service to drop one vector.
func (n *Notifier) NotifyRemove(ctx context.Context, pageID string) error {
	return n.post(ctx, "/remove", refreshRequest{PageID: pageID})
}

func (n *Notifier) post(ctx context.Context, path string, body refreshRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return ragerr.InternalError("marshal notify request", err)
	}

	return ragerr.Retry(ctx, ragerr.NotifyRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			n.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return ragerr.InternalError("create notify request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ragerr.New(ragerr.ErrCodeCancelled, "notify cancelled", ctx.Err())
			}
			return ragerr.UpstreamError("notify retrieval service", err)
		}
		defer func() { _ = resp.Body.Close() }()
		drain(resp.Body)

		if resp.StatusCode >= 500 {
			return ragerr.UpstreamError(
				fmt.Sprintf("retrieval service returned status %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			return ragerr.New(ragerr.ErrCodeInvalidRequest,
				fmt.Sprintf("retrieval service rejected %s with status %d", path, resp.StatusCode), nil)
		}
		return nil
	})
}
