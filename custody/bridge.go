package custody

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBridgeTimeout bounds one bridge request.
const DefaultBridgeTimeout = 30 * time.Second

// BridgeConfig configures the capture bridge client.
type BridgeConfig struct {
	// BaseURL is the bridge endpoint root (required).
	BaseURL string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
}

// Bridge is an HTTP client for the capture bridge, the local service that
// fronts the browser during capture. It implements all four protocol
// gateways: isolation, page lifecycle, secure channel, and authorization.
type Bridge struct {
	base   string
	client *http.Client
}

// NewBridge creates a bridge client from the given config.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("capture bridge requires a base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBridgeTimeout
	}
	return &Bridge{
		base:   cfg.BaseURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Close releases held connections.
func (b *Bridge) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// bridgeStatusError is returned for non-2xx bridge responses.
type bridgeStatusError struct {
	path string
	code int
}

func (e *bridgeStatusError) Error() string {
	return fmt.Sprintf("bridge %s returned status %d", e.path, e.code)
}

// post sends a JSON request to path and decodes the JSON response into
// out. out may be nil for responses with no body of interest.
func (b *Bridge) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridge: create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s request failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &bridgeStatusError{path: path, code: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode %s response: %w", path, err)
	}
	return nil
}

type isolationActivateRequest struct {
	CorrelationID string `json:"correlation_id"`
}

type isolationActivateResponse struct {
	Success             bool     `json:"success"`
	SnapshotHash        string   `json:"snapshot_hash,omitempty"`
	DisabledIDs         []string `json:"disabled_ids"`
	NonDisableableNames []string `json:"non_disableable_names"`
	Error               string   `json:"error,omitempty"`
}

// Activate disables interfering extensions via the bridge.
func (b *Bridge) Activate(ctx context.Context, correlationID string) (*IsolationResult, error) {
	var resp isolationActivateResponse
	err := b.post(ctx, "/isolation/activate", isolationActivateRequest{CorrelationID: correlationID}, &resp)
	if err != nil {
		return nil, err
	}
	return &IsolationResult{
		Success:             resp.Success,
		SnapshotHash:        resp.SnapshotHash,
		DisabledIDs:         resp.DisabledIDs,
		NonDisableableNames: resp.NonDisableableNames,
		Error:               resp.Error,
	}, nil
}

type isolationStatusResponse struct {
	IsActive      bool `json:"is_active"`
	DisabledCount int  `json:"disabled_count"`
}

// Status reports whether isolation currently holds.
func (b *Bridge) Status(ctx context.Context) (*IsolationStatus, error) {
	var resp isolationStatusResponse
	if err := b.post(ctx, "/isolation/status", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &IsolationStatus{IsActive: resp.IsActive, DisabledCount: resp.DisabledCount}, nil
}

// Deactivate restores the pre-isolation extension state.
func (b *Bridge) Deactivate(ctx context.Context) error {
	return b.post(ctx, "/isolation/deactivate", struct{}{}, nil)
}

type pageReloadRequest struct {
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
}

// Reload navigates the target to bustingURL.
func (b *Bridge) Reload(ctx context.Context, targetID, bustingURL string) error {
	return b.post(ctx, "/page/reload", pageReloadRequest{TargetID: targetID, URL: bustingURL}, nil)
}

type pageWaitRequest struct {
	TargetID  string `json:"target_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// WaitForLoadComplete blocks until the page reports load completion or
// the timeout elapses.
func (b *Bridge) WaitForLoadComplete(ctx context.Context, targetID string, timeout time.Duration) error {
	return b.post(ctx, "/page/wait", pageWaitRequest{
		TargetID:  targetID,
		TimeoutMs: timeout.Milliseconds(),
	}, nil)
}

type pageStatusRequest struct {
	TargetID string `json:"target_id"`
}

type pageStatusResponse struct {
	ReadyState   string `json:"ready_state"`
	ImagesLoaded bool   `json:"images_loaded"`
	FontsLoaded  bool   `json:"fonts_loaded"`
	TotalImages  int    `json:"total_images"`
	LoadedImages int    `json:"loaded_images"`
}

// QueryLoadStatus reports the page's structural readiness.
func (b *Bridge) QueryLoadStatus(ctx context.Context, targetID string) (*LoadStatus, error) {
	var resp pageStatusResponse
	if err := b.post(ctx, "/page/status", pageStatusRequest{TargetID: targetID}, &resp); err != nil {
		return nil, err
	}
	return &LoadStatus{
		ReadyState:   resp.ReadyState,
		ImagesLoaded: resp.ImagesLoaded,
		FontsLoaded:  resp.FontsLoaded,
		TotalImages:  resp.TotalImages,
		LoadedImages: resp.LoadedImages,
	}, nil
}

type lockdownResponse struct {
	Success     bool     `json:"success"`
	Protections []string `json:"protections"`
	DOMBaseline string   `json:"dom_baseline"`
}

// ActivateLockdown enables content protections and captures the baseline
// DOM fingerprint.
func (b *Bridge) ActivateLockdown(ctx context.Context, targetID string) (*LockdownResult, error) {
	var resp lockdownResponse
	if err := b.post(ctx, "/page/lockdown", pageStatusRequest{TargetID: targetID}, &resp); err != nil {
		return nil, err
	}
	return &LockdownResult{
		Success:     resp.Success,
		Protections: resp.Protections,
		DOMBaseline: resp.DOMBaseline,
	}, nil
}

type exchangeRequest struct {
	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
}

type exchangeResponse struct {
	ServerPublicKey string `json:"server_public_key"`
	ServerNonce     string `json:"server_nonce"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

// Exchange performs the ephemeral key exchange. Key material crosses the
// wire base64-encoded.
func (b *Bridge) Exchange(ctx context.Context, publicKey, nonce []byte) (*ExchangeResult, error) {
	var resp exchangeResponse
	err := b.post(ctx, "/channel/exchange", exchangeRequest{
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
	}, &resp)
	if err != nil {
		return nil, err
	}

	serverKey, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode server public key: %w", err)
	}
	serverNonce, err := base64.StdEncoding.DecodeString(resp.ServerNonce)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode server nonce: %w", err)
	}
	return &ExchangeResult{
		ServerPublicKey: serverKey,
		ServerNonce:     serverNonce,
		ServerTimestamp: resp.ServerTimestamp,
	}, nil
}

type signRequest struct {
	ChainHash string `json:"chain_hash"`
}

type signResponse struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

// RequestAuthorization asks the authority to sign a chain hash.
func (b *Bridge) RequestAuthorization(ctx context.Context, chainHash string) (*Authorization, error) {
	var resp signResponse
	if err := b.post(ctx, "/authz/sign", signRequest{ChainHash: chainHash}, &resp); err != nil {
		return nil, err
	}
	return &Authorization{
		Token:     resp.Token,
		Signature: resp.Signature,
		ExpiresAt: time.UnixMilli(resp.ExpiresAt),
	}, nil
}

type verifyRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// VerifySignature checks an authorization signature with the authority.
func (b *Bridge) VerifySignature(ctx context.Context, token, signature string) (bool, error) {
	var resp verifyResponse
	if err := b.post(ctx, "/authz/verify", verifyRequest{Token: token, Signature: signature}, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Verify Bridge implements every protocol gateway.
var (
	_ IsolationGateway     = (*Bridge)(nil)
	_ PageLifecycleGateway = (*Bridge)(nil)
	_ SecureChannelGateway = (*Bridge)(nil)
	_ AuthorizationGateway = (*Bridge)(nil)
)
