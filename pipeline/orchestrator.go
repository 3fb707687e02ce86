// Package pipeline implements the evidence capture lifecycle state
// machine: capture, timestamp, upload, review, certify or discard, with
// progress/error subscriptions and cooperative cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/evidentia-io/evidentia/adapter"
	"github.com/evidentia-io/evidentia/capture"
	"github.com/evidentia-io/evidentia/custody"
	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/metrics"
	"github.com/evidentia-io/evidentia/types"
	"github.com/evidentia-io/evidentia/upload"
)

// publishTimeout bounds each adapter publish on terminal transitions.
const publishTimeout = 10 * time.Second

// TimestampService obtains a trust timestamp over a Merkle root from an
// external timestamping authority.
type TimestampService interface {
	Timestamp(ctx context.Context, merkleRoot string) (*types.TimestampResult, error)
}

// Certifier performs the final certification of an approved capture.
type Certifier interface {
	Certify(ctx context.Context, manifest *types.EvidenceManifest) error
}

// Config parameterizes one capture run.
type Config struct {
	// PageURL is the page under capture.
	PageURL string
	// TargetID identifies the browser target driven by the gateways.
	TargetID string
	// MediaKind is the storage object name for the media stream.
	MediaKind string
	// MaxPhaseRetries bounds recoverable phase retries (default 1).
	MaxPhaseRetries int
}

// Deps are the collaborators one orchestrator drives.
type Deps struct {
	Protocol   *custody.Protocol
	Chain      *integrity.ChunkIntegrityManager
	Spool      capture.Spool
	Scheduler  *upload.Scheduler
	Timestamps TimestampService
	Certifier  Certifier
	Adapters   []adapter.Adapter
	Logger     *log.Logger
	Collector  *metrics.Collector
}

// CaptureResult is the outcome of a completed capture phase.
type CaptureResult struct {
	EvidenceID string
	MerkleRoot string
	MediaHash  string
	MimeType   string
	Fragments  int64
	TotalBytes int64
	Custody    *types.ChainOfCustodyResult
}

// Orchestrator owns the pipeline state for exactly one capture.
//
// Operations are serialized by the caller (one producer drives the
// pipeline); the internal mutex protects state snapshots and the
// subscriber registry, not operation ordering. Phase ordering is enforced
// by the transition table: calling an operation out of order fails with a
// validation error and no side effects.
type Orchestrator struct {
	meta      *types.CaptureMeta
	config    Config
	protocol  *custody.Protocol
	chain     *integrity.ChunkIntegrityManager
	spool     capture.Spool
	scheduler *upload.Scheduler
	tsa       TimestampService
	certifier Certifier
	adapters  []adapter.Adapter
	logger    *log.Logger
	collector *metrics.Collector
	subs      *subscribers
	now       func() time.Time

	mu            sync.Mutex
	state         types.PipelineState
	custodyResult *types.ChainOfCustodyResult
	summary       *capture.Summary
	startedAt     time.Time
	uploadRetries int
	replayed      int
}

// NewOrchestrator creates an orchestrator in the idle phase.
func NewOrchestrator(meta *types.CaptureMeta, config Config, deps Deps) (*Orchestrator, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if config.PageURL == "" {
		return nil, errors.New("page URL is required")
	}
	if config.MediaKind == "" {
		config.MediaKind = "video.webm"
	}
	if config.MaxPhaseRetries <= 0 {
		config.MaxPhaseRetries = 1
	}

	return &Orchestrator{
		meta:      meta,
		config:    config,
		protocol:  deps.Protocol,
		chain:     deps.Chain,
		spool:     deps.Spool,
		scheduler: deps.Scheduler,
		tsa:       deps.Timestamps,
		certifier: deps.Certifier,
		adapters:  deps.Adapters,
		logger:    deps.Logger,
		collector: deps.Collector,
		subs:      newSubscribers(deps.Logger),
		now:       time.Now,
		state: types.PipelineState{
			Phase:      types.PhaseIdle,
			EvidenceID: meta.EvidenceID,
		},
	}, nil
}

// State returns a snapshot of the pipeline state.
func (o *Orchestrator) State() types.PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnProgress registers a progress subscriber; the returned handle
// unregisters it.
func (o *Orchestrator) OnProgress(fn ProgressFunc) func() {
	return o.subs.OnProgress(fn)
}

// OnError registers an error subscriber; the returned handle
// unregisters it.
func (o *Orchestrator) OnError(fn ErrorFunc) func() {
	return o.subs.OnError(fn)
}

// StartCapture runs the chain-of-custody protocol and ingests the
// recorder stream. On success the Merkle root is committed and the
// pipeline is ready for ApplyTimestamp.
func (o *Orchestrator) StartCapture(ctx context.Context, stream io.Reader) (*CaptureResult, error) {
	if err := o.transition(types.PhaseCapturing); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.startedAt = o.now()
	o.mu.Unlock()

	custodyResult := o.protocol.Execute(ctx, o.config.PageURL, o.config.TargetID)
	o.mu.Lock()
	o.custodyResult = custodyResult
	o.mu.Unlock()
	if !custodyResult.Success {
		return nil, o.fail(custodyResult.Err)
	}
	o.setProgress(30, "chain of custody established")

	engine := capture.NewIngestionEngine(stream, o.chain, o.spool, o.logger, o.collector,
		func(chunk *types.Chunk) {
			// Total fragment count is unknown until the terminal frame,
			// so ingestion progress approaches 90 asymptotically.
			p := 30 + min(60, chunk.Index+1)
			o.setProgress(p, "fragment ingested")
		})

	summary, err := engine.Run(ctx)
	if err != nil {
		if capture.IsCanceledError(err) {
			return nil, o.toCancelled()
		}
		return nil, o.fail(types.WrapPipelineError(types.ErrUnknown, "recorder stream failed", err))
	}

	root, err := o.chain.CalculateMerkleRoot()
	if err != nil {
		return nil, o.fail(types.WrapPipelineError(types.ErrValidation, "empty recording", err))
	}

	o.mu.Lock()
	o.summary = summary
	o.state.MerkleRoot = &root
	o.mu.Unlock()
	o.setProgress(100, "capture complete")

	return &CaptureResult{
		EvidenceID: o.meta.EvidenceID,
		MerkleRoot: root,
		MediaHash:  summary.MediaHash,
		MimeType:   summary.MimeType,
		Fragments:  summary.Fragments,
		TotalBytes: summary.TotalBytes,
		Custody:    custodyResult,
	}, nil
}

// ApplyTimestamp obtains a trust timestamp over the committed Merkle
// root. Authority failure degrades to a locally-sourced timestamp with a
// warning; the timestamp always exists once this returns successfully.
func (o *Orchestrator) ApplyTimestamp(ctx context.Context) (*types.TimestampResult, error) {
	if err := o.transition(types.PhaseTimestamping); err != nil {
		return nil, err
	}

	o.mu.Lock()
	rootPtr := o.state.MerkleRoot
	o.mu.Unlock()
	if rootPtr == nil {
		return nil, o.fail(types.NewPipelineError(types.ErrValidation, "no merkle root committed"))
	}
	root := *rootPtr

	result, err := o.tsa.Timestamp(ctx, root)
	if err != nil || result == nil {
		warning := fmt.Sprintf("timestamp authority unreachable, local clock used: %v", err)
		o.logger.Warn("timestamp authority failed, degrading to local fallback", map[string]any{
			"error": fmt.Sprint(err),
		})
		result = &types.TimestampResult{
			Type:        types.TimestampLocalFallback,
			MerkleRoot:  root,
			TimestampMs: o.now().UnixMilli(),
			Warning:     &warning,
		}
	}

	o.mu.Lock()
	o.state.TimestampResult = result
	o.mu.Unlock()
	o.setProgress(100, "trust timestamp applied")
	return result, nil
}

// Upload replays the spooled fragments through the upload scheduler.
// Must not run before ApplyTimestamp has produced a result: the trust
// timestamp predates every mutable storage write. A recoverable failure
// leaves the phase at uploading and may be retried within the phase
// retry budget by calling Upload again.
func (o *Orchestrator) Upload(ctx context.Context) (*types.UploadResult, error) {
	o.mu.Lock()
	phase := o.state.Phase
	resuming := phase == types.PhaseUploading && o.uploadRetries > 0
	hasTimestamp := o.state.TimestampResult != nil
	o.mu.Unlock()

	switch {
	case phase == types.PhaseTimestamping && hasTimestamp:
		if err := o.transition(types.PhaseUploading); err != nil {
			return nil, err
		}
	case resuming:
		o.logger.Info("resuming upload after recoverable failure", map[string]any{
			"retry": o.uploadRetries,
		})
	default:
		return nil, types.NewPipelineError(types.ErrValidation,
			fmt.Sprintf("upload is not legal from phase %s", phase)).WithPhase(phase)
	}

	result, err := o.runUpload(ctx, resuming)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if cErr := o.Cancel(context.Background()); cErr != nil {
				o.logger.Warn("cancel after canceled upload failed", map[string]any{
					"error": cErr.Error(),
				})
			}
			return nil, types.WrapPipelineError(types.ErrAborted, "upload canceled", err)
		}

		perr := asPipelineError(err)
		o.mu.Lock()
		budgetLeft := o.uploadRetries < o.config.MaxPhaseRetries
		if perr.Recoverable && budgetLeft {
			o.uploadRetries++
		}
		o.mu.Unlock()
		if perr.Recoverable && budgetLeft {
			o.surfaceError(perr.WithPhase(types.PhaseUploading))
			return nil, perr
		}
		return nil, o.fail(perr)
	}

	o.mu.Lock()
	o.state.UploadResult = result
	o.mu.Unlock()
	o.setProgress(100, "upload complete")
	return result, nil
}

// runUpload drives the spool replay and completion. On the first pass it
// initiates the multipart session; a resume continues from the last
// fragment that reached the scheduler.
func (o *Orchestrator) runUpload(ctx context.Context, resuming bool) (*types.UploadResult, error) {
	if !resuming {
		if err := o.scheduler.Initiate(ctx, o.meta.EvidenceID, o.config.MediaKind); err != nil {
			return nil, err
		}
	}

	total := o.chain.TotalBytes()
	var sent int64
	err := o.spool.Replay(func(index int, data []byte) error {
		if index < o.replayed {
			sent += int64(len(data))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A failed AddChunk may leave its bytes buffered in the
		// scheduler, so a resume must not submit this fragment again.
		o.replayed = index + 1
		if err := o.scheduler.AddChunk(ctx, data); err != nil {
			return err
		}
		sent += int64(len(data))
		if total > 0 {
			o.setProgress(int(sent*95/total), "part transfer")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.scheduler.Complete(ctx)
}

// OpenPreview moves the completed upload into review.
func (o *Orchestrator) OpenPreview() error {
	o.mu.Lock()
	uploaded := o.state.UploadResult != nil
	o.mu.Unlock()
	if !uploaded {
		return types.NewPipelineError(types.ErrValidation, "no completed upload to review")
	}
	if perr := o.transition(types.PhaseAwaitingReview); perr != nil {
		return perr
	}
	return nil
}

// Approve certifies the reviewed capture and completes the pipeline.
func (o *Orchestrator) Approve(ctx context.Context) error {
	if err := o.transition(types.PhaseCertifying); err != nil {
		return err
	}

	manifest := o.Manifest()
	if o.certifier != nil {
		if err := o.certifier.Certify(ctx, manifest); err != nil {
			return o.fail(types.WrapPipelineError(types.ErrNetwork, "certification failed", err).AsRecoverable())
		}
	}
	o.setProgress(100, "certified")

	if err := o.transition(types.PhaseCompleted); err != nil {
		return err
	}
	o.finish(types.PhaseCompleted)
	return nil
}

// Discard rejects the reviewed capture and releases the spool.
func (o *Orchestrator) Discard() error {
	if err := o.transition(types.PhaseDiscarded); err != nil {
		return err
	}
	if err := o.spool.Discard(); err != nil {
		o.logger.Warn("spool discard failed", map[string]any{"error": err.Error()})
	}
	o.finish(types.PhaseDiscarded)
	return nil
}

// Cancel moves any non-terminal pipeline to cancelled and best-effort
// releases held resources: the custody protocol run, browser isolation,
// the in-flight multipart upload, and the spool. Idempotent once
// terminal.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Phase.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	o.state.Phase = types.PhaseCancelled
	o.state.ProgressPercent = 0
	o.mu.Unlock()
	o.collector.IncPhaseTransition()
	o.logger.Info("pipeline cancelled", nil)

	o.protocol.Abort()
	if err := o.protocol.ReleaseIsolation(ctx); err != nil {
		o.logger.Warn("isolation release failed", map[string]any{"error": err.Error()})
	}
	if err := o.scheduler.Abort(ctx); err != nil {
		o.logger.Warn("upload abort failed", map[string]any{"error": err.Error()})
	}
	if err := o.spool.Discard(); err != nil {
		o.logger.Warn("spool discard failed", map[string]any{"error": err.Error()})
	}

	o.finish(types.PhaseCancelled)
	return nil
}

// Manifest assembles the durable evidence manifest from the current
// pipeline state.
func (o *Orchestrator) Manifest() *types.EvidenceManifest {
	o.mu.Lock()
	defer o.mu.Unlock()

	manifest := &types.EvidenceManifest{
		ManifestVersion: types.ManifestVersion,
		EvidenceID:      o.meta.EvidenceID,
		CorrelationID:   o.meta.CorrelationID,
		PageURL:         o.config.PageURL,
		CreatedAtMs:     o.now().UnixMilli(),
		Chunks:          o.chain.ManifestEntries(),
		Custody:         o.custodyResult,
		Timestamp:       o.state.TimestampResult,
		Storage:         o.state.UploadResult,
	}
	if o.state.MerkleRoot != nil {
		manifest.MerkleRoot = *o.state.MerkleRoot
	}
	if o.summary != nil {
		manifest.MediaHash = o.summary.MediaHash
	}
	return manifest
}

// transition performs a legal forward phase transition, resets the
// progress percent, and notifies subscribers. An illegal transition is a
// validation error with no side effects.
func (o *Orchestrator) transition(next types.Phase) *types.PipelineError {
	o.mu.Lock()
	current := o.state.Phase
	if !current.CanTransitionTo(next) {
		o.mu.Unlock()
		return types.NewPipelineError(types.ErrValidation,
			fmt.Sprintf("illegal phase transition %s -> %s", current, next)).WithPhase(current)
	}
	o.state.Phase = next
	o.state.ProgressPercent = 0
	o.mu.Unlock()

	o.collector.IncPhaseTransition()
	o.logger.Info("phase transition", map[string]any{
		"from": string(current),
		"to":   string(next),
	})
	o.subs.emitProgress(ProgressEvent{
		EvidenceID: o.meta.EvidenceID,
		Phase:      next,
		Percent:    0,
		Message:    "entered " + string(next),
	})
	return nil
}

// setProgress raises the progress percent within the current phase.
// Percent never decreases within a phase; stale values are ignored.
func (o *Orchestrator) setProgress(percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	o.mu.Lock()
	if percent <= o.state.ProgressPercent {
		o.mu.Unlock()
		return
	}
	o.state.ProgressPercent = percent
	phase := o.state.Phase
	o.mu.Unlock()

	o.subs.emitProgress(ProgressEvent{
		EvidenceID: o.meta.EvidenceID,
		Phase:      phase,
		Percent:    percent,
		Message:    message,
	})
}

// fail moves the pipeline to failed, surfaces the error, and performs
// best-effort cleanup of held resources.
func (o *Orchestrator) fail(perr *types.PipelineError) *types.PipelineError {
	if perr == nil {
		perr = types.NewPipelineError(types.ErrUnknown, "pipeline failed")
	}
	o.mu.Lock()
	phase := o.state.Phase
	perr = perr.WithPhase(phase)
	o.state.LastError = perr
	transitioned := phase.CanTransitionTo(types.PhaseFailed)
	if transitioned {
		o.state.Phase = types.PhaseFailed
		o.state.ProgressPercent = 0
	}
	o.mu.Unlock()
	if transitioned {
		o.collector.IncPhaseTransition()
	}

	o.protocol.Abort()
	if err := o.protocol.ReleaseIsolation(context.Background()); err != nil {
		o.logger.Warn("isolation release failed", map[string]any{"error": err.Error()})
	}
	if err := o.scheduler.Abort(context.Background()); err != nil {
		o.logger.Warn("upload abort failed", map[string]any{"error": err.Error()})
	}

	o.surfaceError(perr)
	o.finish(types.PhaseFailed)
	return perr
}

// surfaceError logs and delivers an error to subscribers.
func (o *Orchestrator) surfaceError(perr *types.PipelineError) {
	o.collector.IncErrorSurfaced()
	o.logger.Error("pipeline error", map[string]any{
		"code":        string(perr.Code),
		"phase":       string(perr.Phase),
		"recoverable": perr.Recoverable,
		"message":     perr.Message,
	})
	o.subs.emitError(perr)
}

// finish publishes the terminal event to adapters and tears down the
// subscriber registry.
func (o *Orchestrator) finish(outcome types.Phase) {
	o.publishCompletion(outcome)
	o.subs.clear()
}

// publishCompletion broadcasts the terminal outcome via every configured
// adapter. Publish failures are logged, never propagated.
func (o *Orchestrator) publishCompletion(outcome types.Phase) {
	if len(o.adapters) == 0 {
		return
	}

	o.mu.Lock()
	event := &adapter.EvidenceCompletedEvent{
		EventType:     adapter.EventType,
		EvidenceID:    o.meta.EvidenceID,
		CorrelationID: o.meta.CorrelationID,
		Outcome:       string(outcome),
		PageURL:       o.config.PageURL,
		Timestamp:     o.now().UTC().Format(time.RFC3339),
		ChunkCount:    int64(o.chain.Count()),
		TotalBytes:    o.chain.TotalBytes(),
	}
	if o.state.MerkleRoot != nil {
		event.MerkleRoot = *o.state.MerkleRoot
	}
	if o.custodyResult != nil {
		event.ChainHash = o.custodyResult.ChainHash
	}
	if o.state.UploadResult != nil {
		event.StorageKey = o.state.UploadResult.StorageKey
	}
	if !o.startedAt.IsZero() {
		event.DurationMs = o.now().Sub(o.startedAt).Milliseconds()
	}
	o.mu.Unlock()

	for _, a := range o.adapters {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.Publish(ctx, event); err != nil {
			o.logger.Warn("completion publish failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}
}

// toCancelled handles cancellation observed inside a running operation.
func (o *Orchestrator) toCancelled() *types.PipelineError {
	perr := types.NewPipelineError(types.ErrAborted, "capture canceled").WithPhase(o.State().Phase)
	if err := o.Cancel(context.Background()); err != nil {
		o.logger.Warn("cancel failed", map[string]any{"error": err.Error()})
	}
	return perr
}

// asPipelineError normalizes any error into a *types.PipelineError.
func asPipelineError(err error) *types.PipelineError {
	var perr *types.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return types.WrapPipelineError(types.ErrUnknown, "unclassified failure", err)
}
