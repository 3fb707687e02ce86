package custody

// Stage data records. Each is hashed into the chain exactly as encoded
// here; field order is fixed by the struct definitions, so recomputation
// over a stored record reproduces the stage hash.

// PrePreparationData is the stage 0 environment snapshot, taken after
// isolation has been activated.
type PrePreparationData struct {
	PageURL        string `json:"page_url"`
	CapturedAtMs   int64  `json:"captured_at_ms"`
	ClientIdentity string `json:"client_identity"`
	// IsolationSnapshotHash is the hash of the isolation snapshot, when
	// the gateway provided one.
	IsolationSnapshotHash string `json:"isolation_snapshot_hash,omitempty"`
	DisabledExtensions    int    `json:"disabled_extensions"`
	NonDisableable        int    `json:"non_disableable"`
	// PartialIsolation records that some extensions could not be disabled.
	PartialIsolation bool `json:"partial_isolation,omitempty"`
}

// ForcedRefreshData is the stage 1 cache-defeating reload record.
type ForcedRefreshData struct {
	BustingURL       string `json:"busting_url"`
	ReloadDurationMs int64  `json:"reload_duration_ms"`
}

// LoadVerificationData is the stage 2 structural readiness record.
// A partial asset load is non-fatal; the shortfall is recorded here.
type LoadVerificationData struct {
	ReadyState   string `json:"ready_state"`
	ImagesLoaded bool   `json:"images_loaded"`
	FontsLoaded  bool   `json:"fonts_loaded"`
	TotalImages  int    `json:"total_images"`
	LoadedImages int    `json:"loaded_images"`
	// Degraded is true when assets were still outstanding at verification.
	Degraded bool `json:"degraded,omitempty"`
}

// SecureChannelData is the stage 3 key-exchange record. Only derived
// fingerprints are chained; raw key material is never persisted.
type SecureChannelData struct {
	ClientPublicKeyHash string `json:"client_public_key_hash"`
	ServerPublicKeyHash string `json:"server_public_key_hash"`
	ClientNonceHash     string `json:"client_nonce_hash"`
	ServerNonceHash     string `json:"server_nonce_hash"`
	ServerTimestampMs   int64  `json:"server_timestamp_ms"`
}

// LockdownData is the stage 4 content-protection record.
type LockdownData struct {
	Protections     []string `json:"protections"`
	DOMBaselineHash string   `json:"dom_baseline_hash"`
}
