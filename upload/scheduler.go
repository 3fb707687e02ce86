package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/metrics"
	"github.com/evidentia-io/evidentia/retry"
	"github.com/evidentia-io/evidentia/types"
)

// DefaultMinPartSize is the buffering threshold before a part is flushed.
// Matches the S3 minimum part size for non-final parts.
const DefaultMinPartSize = 5 * 1024 * 1024

// ChunkTracker receives upload lifecycle transitions for submitted
// chunks, grouped by the part that carries them. Chunk indexes follow
// submission order: the Nth AddChunk call submits chunk N-1.
type ChunkTracker interface {
	// MarkUploading records that a chunk entered the part buffer.
	MarkUploading(index int)
	// MarkUploaded records the chunks carried by a completed part.
	MarkUploaded(indexes []int, partNumber int32, etag string, attempts int)
	// MarkFailed records the chunks of a part whose transfer exhausted
	// its retry schedule. A later resume may still mark them uploaded.
	MarkFailed(indexes []int, attempts int)
}

// SchedulerConfig parameterizes a Scheduler.
type SchedulerConfig struct {
	// MinPartSize is the buffering threshold in bytes. Chunks accumulate
	// until the buffer reaches this size, then flush as one part.
	MinPartSize int64
	// Retry is the backoff schedule applied to each part transfer.
	Retry retry.Policy
	// Tracker observes chunk upload transitions; may be nil.
	Tracker ChunkTracker
}

// DefaultSchedulerConfig returns the standard scheduler parameters.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinPartSize: DefaultMinPartSize,
		Retry:       retry.Default(),
	}
}

// Scheduler accumulates chunk data and transfers it as multipart parts.
//
// Invariants:
//   - Part numbers are contiguous starting at 1
//   - At most one part transfer is in flight at a time
//   - Complete is called on the coordination service exactly once, and
//     only after every buffered byte has been flushed
type Scheduler struct {
	coord     CoordinationService
	transfer  Transferrer
	config    SchedulerConfig
	logger    *log.Logger
	collector *metrics.Collector
	tracker   ChunkTracker

	mu        sync.Mutex
	session   *Session
	buffer    []byte
	parts     []types.UploadPart
	nextPart  int32
	nextChunk int
	pending   []int
	completed bool
	aborted   bool
}

// NewScheduler creates a Scheduler. logger must be non-nil; collector
// may be nil.
func NewScheduler(
	coord CoordinationService,
	transfer Transferrer,
	config SchedulerConfig,
	logger *log.Logger,
	collector *metrics.Collector,
) *Scheduler {
	if config.MinPartSize <= 0 {
		config.MinPartSize = DefaultMinPartSize
	}
	return &Scheduler{
		coord:     coord,
		transfer:  transfer,
		config:    config,
		logger:    logger,
		collector: collector,
		tracker:   config.Tracker,
		nextPart:  1,
	}
}

// Initiate starts a multipart upload session for the given evidence.
func (s *Scheduler) Initiate(ctx context.Context, evidenceID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return types.NewPipelineError(types.ErrValidation, "upload already initiated")
	}
	session, err := s.coord.Initiate(ctx, evidenceID, kind)
	if err != nil {
		return types.WrapPipelineError(types.ErrNetwork, "initiating multipart upload", err).AsRecoverable()
	}
	s.session = session
	s.logger.Info("multipart upload initiated", map[string]any{
		"upload_id":   session.UploadID,
		"storage_key": session.StorageKey,
	})
	return nil
}

// AddChunk appends chunk data to the part buffer, flushing a part when
// the buffer reaches the threshold. Blocks while a flush is in progress.
func (s *Scheduler) AddChunk(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}

	index := s.nextChunk
	s.nextChunk++
	s.pending = append(s.pending, index)
	if s.tracker != nil {
		s.tracker.MarkUploading(index)
	}

	s.buffer = append(s.buffer, data...)
	if int64(len(s.buffer)) >= s.config.MinPartSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// Complete flushes any remaining buffered data and combines the parts
// into the final object. Fails if no parts were uploaded.
func (s *Scheduler) Complete(ctx context.Context) (*types.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	if len(s.buffer) > 0 {
		if err := s.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	if len(s.parts) == 0 {
		return nil, types.NewPipelineError(types.ErrValidation, "no parts uploaded")
	}

	result, err := s.coord.Complete(ctx, s.session.UploadID, s.parts)
	if err != nil {
		return nil, types.WrapPipelineError(types.ErrNetwork, "completing multipart upload",
			classifyTransfer(err, "complete", 0)).AsRecoverable()
	}
	s.completed = true

	var total int64
	for _, p := range s.parts {
		total += p.SizeBytes
	}
	s.logger.Info("multipart upload completed", map[string]any{
		"upload_id":   s.session.UploadID,
		"parts":       len(s.parts),
		"total_bytes": total,
	})
	return &types.UploadResult{
		URL:        result.URL,
		StorageKey: result.StorageKey,
		Parts:      append([]types.UploadPart(nil), s.parts...),
		TotalBytes: total,
	}, nil
}

// Abort discards the in-progress upload and any buffered data.
// Safe to call when nothing was initiated.
func (s *Scheduler) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = nil
	s.pending = nil
	if s.session == nil || s.completed || s.aborted {
		return nil
	}
	s.aborted = true
	if err := s.coord.Abort(ctx, s.session.UploadID); err != nil {
		s.logger.Warn("aborting multipart upload failed", map[string]any{
			"upload_id": s.session.UploadID,
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// Parts returns a copy of the uploaded parts so far.
func (s *Scheduler) Parts() []types.UploadPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.UploadPart(nil), s.parts...)
}

// BufferedBytes returns the size of the unflushed buffer.
func (s *Scheduler) BufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buffer))
}

func (s *Scheduler) usableLocked() error {
	if s.session == nil {
		return types.NewPipelineError(types.ErrValidation, "upload not initiated")
	}
	if s.completed {
		return types.NewPipelineError(types.ErrValidation, "upload already completed")
	}
	if s.aborted {
		return types.NewPipelineError(types.ErrAborted, "upload aborted")
	}
	return nil
}

// flushLocked transfers the current buffer as one part. Called with the
// mutex held, which serializes flushes.
func (s *Scheduler) flushLocked(ctx context.Context) error {
	payload := s.buffer
	partNumber := s.nextPart

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	var etag string
	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		attempts++
		target, err := s.coord.RequestPartTarget(ctx, s.session.UploadID, partNumber, checksum)
		if err != nil {
			return s.attemptError(err, "part_target", partNumber)
		}
		tag, err := s.transfer.UploadPart(ctx, target.TransferURL, payload, checksum)
		if err != nil {
			return s.attemptError(err, "transfer", partNumber)
		}
		etag = tag
		return nil
	}

	notify := func(err error, next time.Duration) {
		s.collector.IncTransferRetry()
		s.logger.Warn("part transfer failed, retrying", map[string]any{
			"part_number": partNumber,
			"next_delay":  next.String(),
			"error":       err.Error(),
		})
	}

	if err := s.config.Retry.Do(ctx, op, notify); err != nil {
		s.collector.IncUploadFailure()
		if s.tracker != nil {
			// Buffer and pending indexes are retained for a resume.
			s.tracker.MarkFailed(append([]int(nil), s.pending...), attempts)
		}
		return types.WrapPipelineError(types.ErrNetwork,
			fmt.Sprintf("part %d failed after %d attempts", partNumber, s.config.Retry.MaxAttempts),
			err).AsRecoverable()
	}

	s.parts = append(s.parts, types.UploadPart{
		PartNumber: partNumber,
		ETag:       etag,
		SizeBytes:  int64(len(payload)),
	})
	s.nextPart++
	if s.tracker != nil {
		s.tracker.MarkUploaded(s.pending, partNumber, etag, attempts)
	}
	s.pending = nil
	s.buffer = nil
	s.collector.IncPartUploaded(int64(len(payload)))
	s.logger.Debug("part uploaded", map[string]any{
		"part_number": partNumber,
		"size_bytes":  len(payload),
		"etag":        etag,
	})
	return nil
}

// attemptError classifies a transfer attempt failure and marks
// non-retryable classes permanent so the backoff loop stops.
func (s *Scheduler) attemptError(err error, op string, partNumber int32) error {
	classified := classifyTransfer(err, op, partNumber)
	var te *TransferError
	if errors.As(classified, &te) && !te.Retryable() {
		return retry.Permanent(classified)
	}
	return classified
}
