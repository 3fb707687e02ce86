package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTransferTimeout bounds a single part transfer attempt.
const DefaultTransferTimeout = 2 * time.Minute

// HTTPTransferrer uploads parts over HTTP PUT to presigned targets.
type HTTPTransferrer struct {
	client *http.Client
}

// NewHTTPTransferrer creates a transferrer with the given per-attempt
// timeout. Zero uses the default.
func NewHTTPTransferrer(timeout time.Duration) *HTTPTransferrer {
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &HTTPTransferrer{
		client: &http.Client{Timeout: timeout},
	}
}

// UploadPart PUTs the payload to the transfer URL and returns the
// entity tag reported by storage.
func (t *HTTPTransferrer) UploadPart(ctx context.Context, transferURL string, payload []byte, _ string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, transferURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building part request: %w", err)
	}
	req.ContentLength = int64(len(payload))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("part transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("part transfer: status %d: %s", resp.StatusCode, string(body))
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("part transfer: storage returned no etag")
	}
	return etag, nil
}
