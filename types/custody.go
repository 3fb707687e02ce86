//nolint:revive // types is a common Go package naming convention
package types

// StageCount is the fixed number of chain-of-custody stages.
// A chain hash can only be computed over a complete run of all stages.
const StageCount = 5

// StageName identifies a chain-of-custody stage.
type StageName string

// Stage names, in fixed execution order (stage index 0..4).
const (
	StagePrePreparation   StageName = "pre_preparation"
	StageForcedRefresh    StageName = "forced_refresh"
	StageLoadVerification StageName = "load_verification"
	StageSecureChannel    StageName = "secure_channel"
	StageLockdown         StageName = "lockdown"
)

// StageNameFor returns the stage name for a stage index.
func StageNameFor(stage int) StageName {
	names := [StageCount]StageName{
		StagePrePreparation,
		StageForcedRefresh,
		StageLoadVerification,
		StageSecureChannel,
		StageLockdown,
	}
	if stage < 0 || stage >= StageCount {
		return ""
	}
	return names[stage]
}

// StageResult is the immutable record of one completed custody stage.
type StageResult struct {
	// Stage is the stage index (0..4).
	Stage int `json:"stage"`
	// Name is the stage name.
	Name StageName `json:"name"`
	// Hash is the hex-encoded stage hash. For stage 0 this is H(data);
	// for later stages it is H(previous stage hash, data).
	Hash string `json:"hash"`
	// TimestampMs is the wall-clock completion time in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
	// Data is the stage-specific evidence record that was hashed.
	Data any `json:"data"`
}

// ChainOfCustodyResult is the outcome of one protocol run.
// Never mutated after the run completes. A failed run carries the stages
// completed so far as partial forensic evidence.
type ChainOfCustodyResult struct {
	// Success is true only when all stages completed and the chain hash
	// was signed and verified.
	Success bool `json:"success"`
	// ChainHash is the hex hash over all five stage hashes.
	// Empty unless all stages completed.
	ChainHash string `json:"chain_hash,omitempty"`
	// Stages are the completed stage results, in order.
	Stages []StageResult `json:"stages"`
	// AuthorizationToken is the authority-issued token for the chain hash.
	// Nil when the run failed before authorization.
	AuthorizationToken *string `json:"authorization_token,omitempty"`
	// IsolationSnapshotHash is the hash of the isolation snapshot, when
	// the isolation gateway provided one.
	IsolationSnapshotHash *string `json:"isolation_snapshot_hash,omitempty"`
	// DisabledExtensionIDs lists the extensions disabled by isolation.
	DisabledExtensionIDs []string `json:"disabled_extension_ids"`
	// TotalDurationMs is the end-to-end protocol duration.
	TotalDurationMs int64 `json:"total_duration_ms"`
	// Err describes the failure when Success is false.
	Err *PipelineError `json:"error,omitempty"`
}
