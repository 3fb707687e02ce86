// Package custody implements the five-stage chain-of-custody protocol
// ("PISA") that proves the capture environment was prepared without
// tampering. Each stage hashes its own evidence together with the previous
// stage's hash; the resulting chain hash is signed by an external
// authority before capture begins.
package custody

import (
	"context"
	"time"
)

// IsolationResult is the outcome of activating extension isolation.
type IsolationResult struct {
	// Success is true when every other extension was disabled.
	Success bool
	// SnapshotHash is the hash of the pre-isolation extension snapshot,
	// when the gateway captured one. Empty otherwise.
	SnapshotHash string
	// DisabledIDs lists the extensions that were disabled.
	DisabledIDs []string
	// NonDisableableNames lists extensions the browser refused to disable.
	NonDisableableNames []string
	// Error is the gateway-reported failure description, if any.
	Error string
}

// IsolationStatus is the current isolation state.
type IsolationStatus struct {
	// IsActive is true while isolation holds.
	IsActive bool
	// DisabledCount is the number of currently disabled extensions.
	DisabledCount int
}

// IsolationGateway controls extension isolation during capture.
type IsolationGateway interface {
	// Activate disables interfering extensions. correlationID threads the
	// request into the capture's audit trail.
	Activate(ctx context.Context, correlationID string) (*IsolationResult, error)
	// Status reports whether isolation currently holds.
	Status(ctx context.Context) (*IsolationStatus, error)
	// Deactivate restores the pre-isolation extension state.
	Deactivate(ctx context.Context) error
}

// LoadStatus describes the structural readiness of the captured page.
type LoadStatus struct {
	ReadyState   string
	ImagesLoaded bool
	FontsLoaded  bool
	TotalImages  int
	LoadedImages int
}

// LockdownResult is the outcome of enabling content protections.
type LockdownResult struct {
	// Success is true when protections were enabled.
	Success bool
	// Protections lists the enabled protections.
	Protections []string
	// DOMBaseline is the serialized baseline DOM fingerprint.
	DOMBaseline string
}

// PageLifecycleGateway controls the captured page's load lifecycle.
type PageLifecycleGateway interface {
	// Reload navigates the page to bustingURL, defeating caches.
	Reload(ctx context.Context, targetID, bustingURL string) error
	// WaitForLoadComplete blocks until the page reports load completion
	// or the timeout elapses.
	WaitForLoadComplete(ctx context.Context, targetID string, timeout time.Duration) error
	// QueryLoadStatus reports structural readiness.
	QueryLoadStatus(ctx context.Context, targetID string) (*LoadStatus, error)
	// ActivateLockdown enables content protections and captures a
	// baseline DOM fingerprint.
	ActivateLockdown(ctx context.Context, targetID string) (*LockdownResult, error)
}

// ExchangeResult is the secure-channel gateway's half of the key exchange.
type ExchangeResult struct {
	ServerPublicKey []byte
	ServerNonce     []byte
	ServerTimestamp int64
}

// SecureChannelGateway performs the ephemeral key exchange with the
// remote authority.
type SecureChannelGateway interface {
	Exchange(ctx context.Context, publicKey, nonce []byte) (*ExchangeResult, error)
}

// Authorization is the authority's signature over a chain hash.
type Authorization struct {
	Token     string
	Signature string
	ExpiresAt time.Time
}

// AuthorizationGateway signs chain hashes and verifies its own signatures.
type AuthorizationGateway interface {
	RequestAuthorization(ctx context.Context, chainHash string) (*Authorization, error)
	VerifySignature(ctx context.Context, token, signature string) (bool, error)
}
