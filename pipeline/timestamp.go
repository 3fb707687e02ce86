package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evidentia-io/evidentia/types"
)

// DefaultTimestampTimeout bounds one authority request.
const DefaultTimestampTimeout = 15 * time.Second

// HTTPTimestampService obtains trust timestamps from an HTTP timestamping
// authority. The authority accepts a Merkle root and returns an attested
// time with an opaque token.
type HTTPTimestampService struct {
	url    string
	client *http.Client
}

// NewHTTPTimestampService creates a timestamp client for the given
// authority endpoint.
func NewHTTPTimestampService(url string, timeout time.Duration) (*HTTPTimestampService, error) {
	if url == "" {
		return nil, errors.New("timestamp authority requires a URL")
	}
	if timeout <= 0 {
		timeout = DefaultTimestampTimeout
	}
	return &HTTPTimestampService{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type timestampRequest struct {
	MerkleRoot string `json:"merkle_root"`
}

type timestampResponse struct {
	Authority    string `json:"authority"`
	Token        string `json:"token"`
	SerialNumber string `json:"serial_number,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms"`
}

// Timestamp requests an attestation over merkleRoot. Any failure is
// returned to the caller, which degrades to the local clock fallback.
func (s *HTTPTimestampService) Timestamp(ctx context.Context, merkleRoot string) (*types.TimestampResult, error) {
	body, err := json.Marshal(timestampRequest{MerkleRoot: merkleRoot})
	if err != nil {
		return nil, fmt.Errorf("timestamp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("timestamp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timestamp: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("timestamp: authority returned status %d", resp.StatusCode)
	}

	var tr timestampResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("timestamp: decode response: %w", err)
	}
	if tr.Token == "" || tr.TimestampMs == 0 {
		return nil, errors.New("timestamp: authority response missing token or time")
	}

	return &types.TimestampResult{
		Type:        types.TimestampAuthority,
		MerkleRoot:  merkleRoot,
		TimestampMs: tr.TimestampMs,
		TSA: &types.TSAInfo{
			Authority:    tr.Authority,
			Token:        tr.Token,
			SerialNumber: tr.SerialNumber,
		},
	}, nil
}

// Verify HTTPTimestampService implements the service interface.
var _ TimestampService = (*HTTPTimestampService)(nil)
