package custody

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/types"
)

// DefaultPageLoadTimeout bounds the stage 1 wait for load completion.
const DefaultPageLoadTimeout = 30 * time.Second

// cacheBustParam is the query parameter appended to defeat caches.
const cacheBustParam = "ev_cb"

// Config configures a protocol run.
type Config struct {
	// ClientIdentity is the client identity string chained into stage 0.
	ClientIdentity string
	// PageLoadTimeout bounds the forced-refresh wait (stage 1).
	// Zero uses DefaultPageLoadTimeout.
	PageLoadTimeout time.Duration
	// MinDisabledRatio is the acceptance threshold for partial isolation:
	// disabled / (disabled + non-disableable) must reach this ratio or the
	// run aborts. Zero tolerates any partial isolation. Full failure
	// (nothing disabled when extensions were present) is always fatal.
	MinDisabledRatio float64
}

// Protocol runs the five custody stages against the external gateways.
// One Protocol instance serves one run; construct a fresh one per capture.
type Protocol struct {
	config    Config
	meta      *types.CaptureMeta
	isolation IsolationGateway
	page      PageLifecycleGateway
	channel   SecureChannelGateway
	authz     AuthorizationGateway
	logger    *log.Logger

	// now is injectable for tests.
	now     func() time.Time
	aborted atomic.Bool
}

// NewProtocol creates a protocol run bound to the given gateways.
func NewProtocol(
	config Config,
	meta *types.CaptureMeta,
	isolation IsolationGateway,
	page PageLifecycleGateway,
	channel SecureChannelGateway,
	authz AuthorizationGateway,
	logger *log.Logger,
) *Protocol {
	if config.PageLoadTimeout <= 0 {
		config.PageLoadTimeout = DefaultPageLoadTimeout
	}
	return &Protocol{
		config:    config,
		meta:      meta,
		isolation: isolation,
		page:      page,
		channel:   channel,
		authz:     authz,
		logger:    logger,
		now:       time.Now,
	}
}

// Abort requests cooperative cancellation. The flag is checked between
// stages; a cancelled run returns success=false with the stages completed
// so far.
func (p *Protocol) Abort() {
	p.aborted.Store(true)
}

// ReleaseIsolation restores the extension state held by the isolation
// gateway. Called during pipeline teardown regardless of run outcome.
func (p *Protocol) ReleaseIsolation(ctx context.Context) error {
	return p.isolation.Deactivate(ctx)
}

// Execute runs all five stages in order and returns the result.
// Fails closed: every failure path returns a result carrying the partial
// stages as forensic evidence rather than an error value.
func (p *Protocol) Execute(ctx context.Context, pageURL, targetID string) *types.ChainOfCustodyResult {
	start := p.now()
	result := &types.ChainOfCustodyResult{
		Stages:               []types.StageResult{},
		DisabledExtensionIDs: []string{},
	}

	fail := func(perr *types.PipelineError) *types.ChainOfCustodyResult {
		result.Success = false
		result.Err = perr
		result.TotalDurationMs = p.now().Sub(start).Milliseconds()
		p.logWarn("custody protocol failed", map[string]any{
			"code":             string(perr.Code),
			"error":            perr.Message,
			"stages_completed": len(result.Stages),
		})
		return result
	}

	// Isolation must hold before any evidence is chained.
	iso, err := p.isolation.Activate(ctx, p.meta.CorrelationID)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrIsolation, "isolation activation failed", err))
	}
	if !iso.Success && len(iso.DisabledIDs) == 0 {
		return fail(&types.PipelineError{
			Code:    types.ErrIsolation,
			Message: "isolation activation failed: no extensions disabled",
			Details: map[string]any{"gateway_error": iso.Error},
		})
	}
	if perr := p.checkIsolationPolicy(iso); perr != nil {
		return fail(perr)
	}

	result.DisabledExtensionIDs = iso.DisabledIDs
	if iso.SnapshotHash != "" {
		snapshot := iso.SnapshotHash
		result.IsolationSnapshotHash = &snapshot
	}

	// Stage 0: pre-preparation snapshot.
	partial := !iso.Success || len(iso.NonDisableableNames) > 0
	stage0 := PrePreparationData{
		PageURL:               pageURL,
		CapturedAtMs:          p.now().UnixMilli(),
		ClientIdentity:        p.config.ClientIdentity,
		IsolationSnapshotHash: iso.SnapshotHash,
		DisabledExtensions:    len(iso.DisabledIDs),
		NonDisableable:        len(iso.NonDisableableNames),
		PartialIsolation:      partial,
	}
	if perr := p.appendStage(result, 0, stage0); perr != nil {
		return fail(perr)
	}

	// Stage 1: forced refresh with a cache-defeating marker.
	if perr := p.checkpoint(ctx); perr != nil {
		return fail(perr)
	}
	bustingURL, err := bustCache(pageURL)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrValidation, "invalid page URL", err))
	}
	reloadStart := p.now()
	if err := p.page.Reload(ctx, targetID, bustingURL); err != nil {
		return fail(types.WrapPipelineError(types.ErrUnknown, "page reload failed", err))
	}
	if err := p.page.WaitForLoadComplete(ctx, targetID, p.config.PageLoadTimeout); err != nil {
		return fail(types.WrapPipelineError(types.ErrTimeout, "page load did not complete", err))
	}
	stage1 := ForcedRefreshData{
		BustingURL:       bustingURL,
		ReloadDurationMs: p.now().Sub(reloadStart).Milliseconds(),
	}
	if perr := p.appendStage(result, 1, stage1); perr != nil {
		return fail(perr)
	}

	// Stage 2: load verification. Partial asset load is non-fatal; the
	// shortfall is chained as a degraded state.
	if perr := p.checkpoint(ctx); perr != nil {
		return fail(perr)
	}
	status, err := p.page.QueryLoadStatus(ctx, targetID)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrUnknown, "load status query failed", err))
	}
	degraded := !status.ImagesLoaded || !status.FontsLoaded || status.LoadedImages < status.TotalImages
	stage2 := LoadVerificationData{
		ReadyState:   status.ReadyState,
		ImagesLoaded: status.ImagesLoaded,
		FontsLoaded:  status.FontsLoaded,
		TotalImages:  status.TotalImages,
		LoadedImages: status.LoadedImages,
		Degraded:     degraded,
	}
	if degraded {
		p.logWarn("proceeding with partially loaded page", map[string]any{
			"ready_state":   status.ReadyState,
			"loaded_images": status.LoadedImages,
			"total_images":  status.TotalImages,
		})
	}
	if perr := p.appendStage(result, 2, stage2); perr != nil {
		return fail(perr)
	}

	// Stage 3: secure channel establishment. Only derived fingerprints are
	// chained; the ephemeral private key never leaves this frame.
	if perr := p.checkpoint(ctx); perr != nil {
		return fail(perr)
	}
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrUnknown, "ephemeral key generation failed", err))
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return fail(types.WrapPipelineError(types.ErrUnknown, "nonce generation failed", err))
	}
	clientPub := key.PublicKey().Bytes()
	exchange, err := p.channel.Exchange(ctx, clientPub, nonce)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrTimeout, "secure channel exchange failed", err))
	}
	stage3 := SecureChannelData{
		ClientPublicKeyHash: hashBytes(clientPub),
		ServerPublicKeyHash: hashBytes(exchange.ServerPublicKey),
		ClientNonceHash:     hashBytes(nonce),
		ServerNonceHash:     hashBytes(exchange.ServerNonce),
		ServerTimestampMs:   exchange.ServerTimestamp,
	}
	if perr := p.appendStage(result, 3, stage3); perr != nil {
		return fail(perr)
	}

	// Stage 4: lockdown activation. Failure here is fatal.
	if perr := p.checkpoint(ctx); perr != nil {
		return fail(perr)
	}
	lockdown, err := p.page.ActivateLockdown(ctx, targetID)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrIsolation, "lockdown activation failed", err))
	}
	if !lockdown.Success {
		return fail(types.NewPipelineError(types.ErrIsolation, "lockdown activation reported failure"))
	}
	stage4 := LockdownData{
		Protections:     lockdown.Protections,
		DOMBaselineHash: hashBytes([]byte(lockdown.DOMBaseline)),
	}
	if perr := p.appendStage(result, 4, stage4); perr != nil {
		return fail(perr)
	}

	// Chain hash and authority signature. A rejected signature is fatal
	// and non-retryable.
	chainHash, err := ChainHashFromStages(result.Stages)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrUnknown, "chain hash computation failed", err))
	}
	auth, err := p.authz.RequestAuthorization(ctx, chainHash)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrSignature, "chain hash authorization failed", err))
	}
	verified, err := p.authz.VerifySignature(ctx, auth.Token, auth.Signature)
	if err != nil {
		return fail(types.WrapPipelineError(types.ErrSignature, "signature verification failed", err))
	}
	if !verified {
		return fail(types.NewPipelineError(types.ErrSignature, "authority signature rejected"))
	}

	result.Success = true
	result.ChainHash = chainHash
	token := auth.Token
	result.AuthorizationToken = &token
	result.TotalDurationMs = p.now().Sub(start).Milliseconds()

	p.logInfo("custody protocol completed", map[string]any{
		"chain_hash":  chainHash,
		"duration_ms": result.TotalDurationMs,
	})
	return result
}

// checkIsolationPolicy applies the configured acceptance threshold for
// partial isolation.
func (p *Protocol) checkIsolationPolicy(iso *IsolationResult) *types.PipelineError {
	total := len(iso.DisabledIDs) + len(iso.NonDisableableNames)
	if total == 0 || p.config.MinDisabledRatio <= 0 {
		return nil
	}
	ratio := float64(len(iso.DisabledIDs)) / float64(total)
	if ratio < p.config.MinDisabledRatio {
		return &types.PipelineError{
			Code:    types.ErrIsolation,
			Message: fmt.Sprintf("partial isolation below acceptance threshold: %.2f < %.2f", ratio, p.config.MinDisabledRatio),
			Details: map[string]any{
				"disabled":        len(iso.DisabledIDs),
				"non_disableable": len(iso.NonDisableableNames),
			},
		}
	}
	return nil
}

// checkpoint runs before every stage transition: the abort flag is honored
// cooperatively, and isolation is re-queried so a silently dropped
// isolation aborts the run instead of producing a compromised chain.
func (p *Protocol) checkpoint(ctx context.Context) *types.PipelineError {
	if p.aborted.Load() {
		return types.NewPipelineError(types.ErrAborted, "custody protocol aborted")
	}
	status, err := p.isolation.Status(ctx)
	if err != nil {
		return types.WrapPipelineError(types.ErrIsolation, "isolation status query failed", err)
	}
	if !status.IsActive {
		return types.NewPipelineError(types.ErrIsolation, "isolation lost mid-process")
	}
	return nil
}

// appendStage hashes data against the previous stage hash and appends the
// stage result.
func (p *Protocol) appendStage(result *types.ChainOfCustodyResult, stage int, data any) *types.PipelineError {
	prev := ""
	if stage > 0 {
		prev = result.Stages[stage-1].Hash
	}
	hash, err := stageHash(prev, data)
	if err != nil {
		return types.WrapPipelineError(types.ErrUnknown, fmt.Sprintf("stage %d hash failed", stage), err)
	}
	result.Stages = append(result.Stages, types.StageResult{
		Stage:       stage,
		Name:        types.StageNameFor(stage),
		Hash:        hash,
		TimestampMs: p.now().UnixMilli(),
		Data:        data,
	})
	p.logDebug("custody stage completed", map[string]any{
		"stage": stage,
		"name":  string(types.StageNameFor(stage)),
		"hash":  hash,
	})
	return nil
}

// bustCache appends the cache-defeating marker to pageURL.
func bustCache(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	marker := make([]byte, 8)
	if _, err := rand.Read(marker); err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(cacheBustParam, hex.EncodeToString(marker))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Protocol) logDebug(msg string, fields map[string]any) {
	if p.logger != nil {
		p.logger.Debug(msg, fields)
	}
}

func (p *Protocol) logInfo(msg string, fields map[string]any) {
	if p.logger != nil {
		p.logger.Info(msg, fields)
	}
}

func (p *Protocol) logWarn(msg string, fields map[string]any) {
	if p.logger != nil {
		p.logger.Warn(msg, fields)
	}
}
