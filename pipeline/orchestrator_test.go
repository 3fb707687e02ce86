package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/evidentia-io/evidentia/adapter"
	"github.com/evidentia-io/evidentia/capture"
	"github.com/evidentia-io/evidentia/custody"
	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/metrics"
	"github.com/evidentia-io/evidentia/retry"
	"github.com/evidentia-io/evidentia/types"
	"github.com/evidentia-io/evidentia/upload"
)

func testLogger() *log.Logger {
	meta := &types.CaptureMeta{
		EvidenceID:    "ev-test",
		CorrelationID: "corr-test",
		Attempt:       1,
	}
	return log.NewLogger(meta).WithOutput(io.Discard)
}

// Custody gateway stubs, always healthy.

type stubIsolation struct{}

func (s *stubIsolation) Activate(context.Context, string) (*custody.IsolationResult, error) {
	return &custody.IsolationResult{
		Success:      true,
		SnapshotHash: "snap-hash",
		DisabledIDs:  []string{"ext-a"},
	}, nil
}

func (s *stubIsolation) Status(context.Context) (*custody.IsolationStatus, error) {
	return &custody.IsolationStatus{IsActive: true, DisabledCount: 1}, nil
}

func (s *stubIsolation) Deactivate(context.Context) error { return nil }

// countingIsolation records Deactivate calls and can simulate a gateway
// that fails to restore state.
type countingIsolation struct {
	stubIsolation
	mu            sync.Mutex
	deactivateErr error
	deactivated   int
}

func (s *countingIsolation) Deactivate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated++
	return s.deactivateErr
}

func (s *countingIsolation) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

type failingIsolation struct{ stubIsolation }

func (s *failingIsolation) Activate(context.Context, string) (*custody.IsolationResult, error) {
	return &custody.IsolationResult{
		Success:             false,
		NonDisableableNames: []string{"ext-a", "ext-b"},
		Error:               "nothing could be disabled",
	}, nil
}

type stubPage struct{}

func (s *stubPage) Reload(context.Context, string, string) error { return nil }

func (s *stubPage) WaitForLoadComplete(context.Context, string, time.Duration) error { return nil }

func (s *stubPage) QueryLoadStatus(context.Context, string) (*custody.LoadStatus, error) {
	return &custody.LoadStatus{
		ReadyState:   "complete",
		ImagesLoaded: true,
		FontsLoaded:  true,
		TotalImages:  2,
		LoadedImages: 2,
	}, nil
}

func (s *stubPage) ActivateLockdown(context.Context, string) (*custody.LockdownResult, error) {
	return &custody.LockdownResult{
		Success:     true,
		Protections: []string{"no-select"},
		DOMBaseline: "<html>baseline</html>",
	}, nil
}

type stubChannel struct{}

func (s *stubChannel) Exchange(context.Context, []byte, []byte) (*custody.ExchangeResult, error) {
	return &custody.ExchangeResult{
		ServerPublicKey: []byte("server-public-key"),
		ServerNonce:     []byte("server-nonce"),
		ServerTimestamp: 1700000000000,
	}, nil
}

type stubAuthz struct{}

func (s *stubAuthz) RequestAuthorization(_ context.Context, chainHash string) (*custody.Authorization, error) {
	return &custody.Authorization{
		Token:     "token-" + chainHash[:8],
		Signature: "sig",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (s *stubAuthz) VerifySignature(context.Context, string, string) (bool, error) {
	return true, nil
}

// Upload stubs.

type stubCoordinator struct {
	mu            sync.Mutex
	initiateCalls int
	completeCalls int
	abortCalls    int
	parts         []types.UploadPart
}

func (c *stubCoordinator) Initiate(_ context.Context, sessionID, kind string) (*upload.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiateCalls++
	return &upload.Session{
		UploadID:   "upload-1",
		StorageKey: "evidence/" + sessionID + "/" + kind,
	}, nil
}

func (c *stubCoordinator) RequestPartTarget(_ context.Context, _ string, partNumber int32, _ string) (*upload.PartTarget, error) {
	return &upload.PartTarget{TransferURL: fmt.Sprintf("https://storage.test/part/%d", partNumber)}, nil
}

func (c *stubCoordinator) Complete(_ context.Context, _ string, parts []types.UploadPart) (*upload.CompletionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCalls++
	c.parts = append([]types.UploadPart(nil), parts...)
	return &upload.CompletionResult{
		URL:        "https://storage.test/evidence/final",
		StorageKey: "evidence/final",
	}, nil
}

func (c *stubCoordinator) Abort(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortCalls++
	return nil
}

type stubTransferrer struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	payloads  [][]byte
}

func (t *stubTransferrer) UploadPart(_ context.Context, _ string, payload []byte, _ string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.calls <= t.failFirst {
		return "", errors.New("connection reset by peer")
	}
	t.payloads = append(t.payloads, append([]byte(nil), payload...))
	return fmt.Sprintf("etag-%d", len(t.payloads)), nil
}

// Timestamp and certification stubs.

type stubTimestamps struct {
	err   error
	calls int
}

func (s *stubTimestamps) Timestamp(_ context.Context, merkleRoot string) (*types.TimestampResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.TimestampResult{
		Type:        types.TimestampAuthority,
		MerkleRoot:  merkleRoot,
		TimestampMs: 1700000000000,
		TSA: &types.TSAInfo{
			Authority:    "tsa.test",
			Token:        "tsa-token",
			SerialNumber: "42",
		},
	}, nil
}

type stubCertifier struct {
	err      error
	manifest *types.EvidenceManifest
}

func (s *stubCertifier) Certify(_ context.Context, manifest *types.EvidenceManifest) error {
	s.manifest = manifest
	return s.err
}

type recordingAdapter struct {
	mu     sync.Mutex
	events []*adapter.EvidenceCompletedEvent
}

func (a *recordingAdapter) Publish(_ context.Context, event *adapter.EvidenceCompletedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAdapter) Close() error { return nil }

func (a *recordingAdapter) last() *adapter.EvidenceCompletedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return nil
	}
	return a.events[len(a.events)-1]
}

// Fixture assembly.

type fixture struct {
	orch      *Orchestrator
	chain     *integrity.ChunkIntegrityManager
	coord     *stubCoordinator
	transfer  *stubTransferrer
	tsa       *stubTimestamps
	certifier *stubCertifier
	broadcast *recordingAdapter
}

type fixtureOpts struct {
	isolation  custody.IsolationGateway
	tsaErr     error
	failFirst  int
	maxRetries int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	meta := &types.CaptureMeta{
		EvidenceID:    "ev-1",
		CorrelationID: "corr-1",
		Attempt:       1,
	}
	logger := testLogger()
	collector := metrics.NewCollector("test", meta.EvidenceID)

	var isolation custody.IsolationGateway = &stubIsolation{}
	if opts.isolation != nil {
		isolation = opts.isolation
	}
	protocol := custody.NewProtocol(custody.Config{ClientIdentity: "evidentia-test/0.1"},
		meta, isolation, &stubPage{}, &stubChannel{}, &stubAuthz{}, logger)

	chain := integrity.NewChunkIntegrityManager()
	coord := &stubCoordinator{}
	transfer := &stubTransferrer{failFirst: opts.failFirst}
	scheduler := upload.NewScheduler(coord, transfer, upload.SchedulerConfig{
		MinPartSize: 1024,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  1.5,
			MaxDelay:    5 * time.Millisecond,
			Jitter:      0.1,
		},
		Tracker: chain,
	}, logger, collector)

	tsa := &stubTimestamps{err: opts.tsaErr}
	certifier := &stubCertifier{}
	broadcast := &recordingAdapter{}

	orch, err := NewOrchestrator(meta, Config{
		PageURL:         "https://example.com/contract",
		TargetID:        "target-1",
		MaxPhaseRetries: opts.maxRetries,
	}, Deps{
		Protocol:   protocol,
		Chain:      chain,
		Spool:      capture.NewMemorySpool(),
		Scheduler:  scheduler,
		Timestamps: tsa,
		Certifier:  certifier,
		Adapters:   []adapter.Adapter{broadcast},
		Logger:     logger,
		Collector:  collector,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	return &fixture{
		orch:      orch,
		chain:     chain,
		coord:     coord,
		transfer:  transfer,
		tsa:       tsa,
		certifier: certifier,
		broadcast: broadcast,
	}
}

func recorderStream(t *testing.T, fragments ...[]byte) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	var total int64
	for i, data := range fragments {
		frame, err := capture.EncodeFrame(&types.FragmentFrame{
			Type:        types.FragmentFrameType,
			Seq:         int64(i + 1),
			TimestampMs: 1700000000000 + int64(i),
			Data:        data,
		})
		if err != nil {
			t.Fatalf("encode fragment %d: %v", i, err)
		}
		buf.Write(frame)
		total += int64(len(data))
	}
	terminal, err := capture.EncodeFrame(&types.RecordingCompleteFrame{
		Type:           types.RecordingCompleteType,
		TotalFragments: int64(len(fragments)),
		TotalBytes:     total,
		MediaHash:      "media-hash",
		MimeType:       "video/webm",
	})
	if err != nil {
		t.Fatalf("encode terminal: %v", err)
	}
	buf.Write(terminal)
	return &buf
}

func TestPipeline_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	captureResult, err := f.orch.StartCapture(ctx, recorderStream(t,
		[]byte("aaaa"), []byte("bbbb"), []byte("cc")))
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if captureResult.MerkleRoot == "" || captureResult.Fragments != 3 {
		t.Fatalf("capture result = %+v", captureResult)
	}
	if !captureResult.Custody.Success || captureResult.Custody.ChainHash == "" {
		t.Fatalf("custody = %+v", captureResult.Custody)
	}

	ts, err := f.orch.ApplyTimestamp(ctx)
	if err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}
	if ts.Type != types.TimestampAuthority || ts.MerkleRoot != captureResult.MerkleRoot {
		t.Fatalf("timestamp = %+v", ts)
	}
	if ts.Warning != nil {
		t.Fatalf("unexpected warning: %s", *ts.Warning)
	}

	uploadResult, err := f.orch.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if uploadResult.TotalBytes != 10 || len(uploadResult.Parts) != 1 {
		t.Fatalf("upload result = %+v", uploadResult)
	}

	// Every chunk carries the lifecycle record of the part that took it.
	for i := 0; i < 3; i++ {
		c, ok := f.chain.Chunk(i)
		if !ok || c.UploadStatus != types.UploadStatusUploaded {
			t.Fatalf("chunk %d = %+v, want uploaded", i, c)
		}
		if c.PartNumber != 1 || c.ETag == nil || c.Attempts != 1 {
			t.Fatalf("chunk %d part record = %+v", i, c)
		}
	}

	if err := f.orch.OpenPreview(); err != nil {
		t.Fatalf("OpenPreview: %v", err)
	}
	if err := f.orch.Approve(ctx); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	state := f.orch.State()
	if state.Phase != types.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", state.Phase)
	}

	// Certifier received a fully-assembled manifest.
	m := f.certifier.manifest
	if m == nil {
		t.Fatal("certifier never called")
	}
	if m.MerkleRoot != captureResult.MerkleRoot || len(m.Chunks) != 3 {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Custody == nil || m.Timestamp == nil || m.Storage == nil {
		t.Fatalf("manifest missing sections: %+v", m)
	}

	// Terminal event published.
	event := f.broadcast.last()
	if event == nil {
		t.Fatal("no completion event published")
	}
	if event.Outcome != string(types.PhaseCompleted) || event.EvidenceID != "ev-1" {
		t.Fatalf("event = %+v", event)
	}
	if event.MerkleRoot != captureResult.MerkleRoot || event.ChainHash == "" {
		t.Fatalf("event hashes missing: %+v", event)
	}
}

func TestUpload_BeforeTimestampRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	_, err := f.orch.Upload(ctx)
	var perr *types.PipelineError
	if !errors.As(err, &perr) || perr.Code != types.ErrValidation {
		t.Fatalf("err = %v, want validation error", err)
	}

	// No side effects: phase unchanged, upload never initiated.
	if got := f.orch.State().Phase; got != types.PhaseCapturing {
		t.Errorf("phase = %s, want capturing", got)
	}
	if f.coord.initiateCalls != 0 {
		t.Errorf("initiate calls = %d, want 0", f.coord.initiateCalls)
	}
}

func TestApplyTimestamp_LocalFallback(t *testing.T) {
	f := newFixture(t, fixtureOpts{tsaErr: errors.New("authority unreachable")})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	ts, err := f.orch.ApplyTimestamp(ctx)
	if err != nil {
		t.Fatalf("ApplyTimestamp must not fail on authority error: %v", err)
	}
	if ts.Type != types.TimestampLocalFallback {
		t.Errorf("type = %s, want local-fallback", ts.Type)
	}
	if ts.Warning == nil {
		t.Error("fallback timestamp missing warning")
	}
	if ts.TSA != nil {
		t.Error("fallback timestamp must not carry TSA info")
	}
	if ts.TimestampMs == 0 {
		t.Error("fallback timestamp missing time")
	}

	// Pipeline proceeds to upload on the degraded timestamp.
	if _, err := f.orch.Upload(ctx); err != nil {
		t.Fatalf("Upload after fallback: %v", err)
	}
}

func TestUpload_RecoverableRetryResumes(t *testing.T) {
	// First flush exhausts the 3-attempt ceiling, then transfers succeed.
	f := newFixture(t, fixtureOpts{failFirst: 3, maxRetries: 1})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"), []byte("bbbb"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.ApplyTimestamp(ctx); err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}

	_, err := f.orch.Upload(ctx)
	var perr *types.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *types.PipelineError", err)
	}
	if !perr.Recoverable {
		t.Fatal("exhausted transfer should surface recoverable")
	}
	if got := f.orch.State().Phase; got != types.PhaseUploading {
		t.Fatalf("phase after recoverable failure = %s, want uploading", got)
	}

	// Retry resumes and delivers every byte exactly once.
	result, err := f.orch.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload retry: %v", err)
	}
	if result.TotalBytes != 8 {
		t.Fatalf("TotalBytes = %d, want 8", result.TotalBytes)
	}

	var delivered []byte
	for _, p := range f.transfer.payloads {
		delivered = append(delivered, p...)
	}
	if !bytes.Equal(delivered, []byte("aaaabbbb")) {
		t.Fatalf("delivered = %q, want aaaabbbb", delivered)
	}
	if f.coord.completeCalls != 1 {
		t.Fatalf("complete calls = %d, want 1", f.coord.completeCalls)
	}
}

func TestUpload_RetryBudgetExhausted(t *testing.T) {
	// Transfers never succeed; the single phase retry fails too.
	iso := &countingIsolation{}
	f := newFixture(t, fixtureOpts{isolation: iso, failFirst: 1000, maxRetries: 1})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.ApplyTimestamp(ctx); err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}

	if _, err := f.orch.Upload(ctx); err == nil {
		t.Fatal("first Upload succeeded unexpectedly")
	}
	if _, err := f.orch.Upload(ctx); err == nil {
		t.Fatal("second Upload succeeded unexpectedly")
	}
	if got := f.orch.State().Phase; got != types.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}
	if f.orch.State().LastError == nil {
		t.Fatal("LastError not recorded")
	}

	// Failure restores browser isolation best-effort.
	if got := iso.releases(); got != 1 {
		t.Errorf("isolation releases = %d, want 1", got)
	}
	// The chunk records the exhausted transfer.
	if c, ok := f.chain.Chunk(0); !ok || c.UploadStatus != types.UploadStatusFailed {
		t.Errorf("chunk 0 = %+v, want failed", c)
	}
}

func TestCustodyFailure_FailsPipeline(t *testing.T) {
	f := newFixture(t, fixtureOpts{isolation: &failingIsolation{}})
	ctx := context.Background()

	_, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa")))
	var perr *types.PipelineError
	if !errors.As(err, &perr) || perr.Code != types.ErrIsolation {
		t.Fatalf("err = %v, want isolation error", err)
	}
	if got := f.orch.State().Phase; got != types.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}

	event := f.broadcast.last()
	if event == nil || event.Outcome != string(types.PhaseFailed) {
		t.Fatalf("terminal event = %+v", event)
	}
}

func TestCancel_ReleasesResourcesAndStopsEvents(t *testing.T) {
	iso := &countingIsolation{}
	f := newFixture(t, fixtureOpts{isolation: iso})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.ApplyTimestamp(ctx); err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}

	var mu sync.Mutex
	var eventsAfterCancel int
	f.orch.OnProgress(func(ProgressEvent) {
		mu.Lock()
		eventsAfterCancel++
		mu.Unlock()
	})

	if err := f.orch.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.orch.State().Phase; got != types.PhaseCancelled {
		t.Fatalf("phase = %s, want cancelled", got)
	}
	if got := iso.releases(); got != 1 {
		t.Fatalf("isolation releases = %d, want 1", got)
	}

	// Repeat cancel is a no-op.
	if err := f.orch.Cancel(ctx); err != nil {
		t.Fatalf("repeat Cancel: %v", err)
	}
	if got := iso.releases(); got != 1 {
		t.Fatalf("isolation releases after repeat = %d, want 1", got)
	}

	// Subscribers were cleared; later operations emit nothing.
	if _, err := f.orch.Upload(ctx); err == nil {
		t.Fatal("Upload after cancel succeeded")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if eventsAfterCancel != 0 {
		t.Errorf("events after cancel = %d, want 0", eventsAfterCancel)
	}

	event := f.broadcast.last()
	if event == nil || event.Outcome != string(types.PhaseCancelled) {
		t.Fatalf("terminal event = %+v", event)
	}
}

func TestCancel_ToleratesIsolationReleaseFailure(t *testing.T) {
	iso := &countingIsolation{deactivateErr: errors.New("bridge offline")}
	f := newFixture(t, fixtureOpts{isolation: iso})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// Release is attempted, its failure never blocks cancellation.
	if err := f.orch.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := iso.releases(); got != 1 {
		t.Errorf("isolation releases = %d, want 1", got)
	}
	if got := f.orch.State().Phase; got != types.PhaseCancelled {
		t.Errorf("phase = %s, want cancelled", got)
	}
}

func TestDiscard_FromReview(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.ApplyTimestamp(ctx); err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}
	if _, err := f.orch.Upload(ctx); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := f.orch.OpenPreview(); err != nil {
		t.Fatalf("OpenPreview: %v", err)
	}

	if err := f.orch.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if got := f.orch.State().Phase; got != types.PhaseDiscarded {
		t.Fatalf("phase = %s, want discarded", got)
	}

	// Approving a discarded capture is rejected.
	if err := f.orch.Approve(ctx); err == nil {
		t.Fatal("Approve after Discard succeeded")
	}
}

func TestProgress_MonotonicWithinPhase(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	var mu sync.Mutex
	var events []ProgressEvent
	done := make(chan struct{})
	f.orch.OnProgress(func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Phase == types.PhaseCompleted {
			close(done)
		}
	})

	if _, err := f.orch.StartCapture(ctx, recorderStream(t,
		[]byte("aaaa"), []byte("bbbb"), []byte("cccc"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.ApplyTimestamp(ctx); err != nil {
		t.Fatalf("ApplyTimestamp: %v", err)
	}
	if _, err := f.orch.Upload(ctx); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := f.orch.OpenPreview(); err != nil {
		t.Fatalf("OpenPreview: %v", err)
	}
	if err := f.orch.Approve(ctx); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completed event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no progress events delivered")
	}
	last := map[types.Phase]int{}
	for i, ev := range events {
		if ev.Percent < last[ev.Phase] {
			t.Fatalf("event %d: percent %d < %d within phase %s",
				i, ev.Percent, last[ev.Phase], ev.Phase)
		}
		last[ev.Phase] = ev.Percent
	}
}

func TestOnProgress_Unsubscribe(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	var mu sync.Mutex
	var count int
	unsubscribe := f.orch.OnProgress(func(ProgressEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe() // double-unsubscribe is safe

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("events after unsubscribe = %d, want 0", count)
	}
}

func TestSubscriberPanic_DoesNotPropagate(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.orch.OnProgress(func(ProgressEvent) {
		panic("subscriber bug")
	})

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	// Give the dispatch goroutine time to hit the panic path.
	time.Sleep(50 * time.Millisecond)
}

func TestStartCapture_FromNonIdleRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("aaaa"))); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := f.orch.StartCapture(ctx, recorderStream(t, []byte("bbbb"))); err == nil {
		t.Fatal("second StartCapture succeeded")
	}
}
