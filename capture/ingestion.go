package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/metrics"
	"github.com/evidentia-io/evidentia/types"
)

// IngestionErrorKind classifies ingestion errors.
type IngestionErrorKind int

const (
	// IngestionErrorStream indicates a frame/stream error.
	IngestionErrorStream IngestionErrorKind = iota
	// IngestionErrorIntegrity indicates the integrity manager rejected a chunk.
	IngestionErrorIntegrity
	// IngestionErrorSpool indicates a spool write failure.
	IngestionErrorSpool
	// IngestionErrorCanceled indicates context cancellation.
	IngestionErrorCanceled
)

// IngestionError classifies ingestion errors for outcome determination.
type IngestionError struct {
	// Kind indicates the failure class.
	Kind IngestionErrorKind
	// Err is the underlying error.
	Err error
}

func (e *IngestionError) Error() string {
	return e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorCanceled
	}
	return false
}

// Summary aggregates one completed recording stream.
type Summary struct {
	// Fragments is the number of fragment frames ingested.
	Fragments int64
	// TotalBytes is the sum of fragment payload sizes.
	TotalBytes int64
	// MediaHash is the recorder-reported hash of the full media stream.
	MediaHash string
	// MimeType is the media container type reported by the recorder.
	MimeType string
}

// FragmentObserver is invoked after each fragment is chained and spooled.
// Used for progress reporting; must not block.
type FragmentObserver func(chunk *types.Chunk)

// IngestionEngine drives a recorder frame stream through the integrity
// chain and the spool.
//
// Stream rules:
//   - Fragment seq numbers are strictly monotonic starting at 1
//   - The stream must end with exactly one recording_complete frame
//   - Invalid framing is fatal (no resync)
//   - Unknown frame types are skipped with a warning
type IngestionEngine struct {
	decoder   *FrameDecoder
	chain     *integrity.ChunkIntegrityManager
	spool     Spool
	logger    *log.Logger
	collector *metrics.Collector
	observer  FragmentObserver

	nextSeq      int64
	terminalSeen bool
	terminal     *types.RecordingCompleteFrame
}

// NewIngestionEngine creates an ingestion engine reading from r.
// observer may be nil.
func NewIngestionEngine(
	r io.Reader,
	chain *integrity.ChunkIntegrityManager,
	spool Spool,
	logger *log.Logger,
	collector *metrics.Collector,
	observer FragmentObserver,
) *IngestionEngine {
	return &IngestionEngine{
		decoder:   NewFrameDecoder(r),
		chain:     chain,
		spool:     spool,
		logger:    logger,
		collector: collector,
		observer:  observer,
		nextSeq:   1,
	}
}

// Run ingests frames until the stream ends.
// Returns the recording summary, or an *IngestionError on failure.
func (e *IngestionEngine) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, &IngestionError{Kind: IngestionErrorCanceled, Err: err}
		}

		payload, err := e.decoder.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &IngestionError{Kind: IngestionErrorStream, Err: err}
		}

		frameType, err := ProbeFrameType(payload)
		if err != nil {
			return nil, &IngestionError{Kind: IngestionErrorStream, Err: err}
		}

		switch frameType {
		case types.FragmentFrameType:
			if err := e.handleFragment(payload, summary); err != nil {
				return nil, err
			}
		case types.RecordingCompleteType:
			if err := e.handleTerminal(payload); err != nil {
				return nil, err
			}
		default:
			e.logger.Warn("skipping unknown frame type", map[string]any{
				"type": frameType,
			})
		}
	}

	if !e.terminalSeen {
		return nil, &IngestionError{
			Kind: IngestionErrorStream,
			Err:  errors.New("stream ended without recording_complete"),
		}
	}

	if e.terminal.TotalFragments != summary.Fragments {
		return nil, &IngestionError{
			Kind: IngestionErrorStream,
			Err: fmt.Errorf("fragment count mismatch: ingested %d, recorder declared %d",
				summary.Fragments, e.terminal.TotalFragments),
		}
	}
	if e.terminal.TotalBytes != summary.TotalBytes {
		return nil, &IngestionError{
			Kind: IngestionErrorStream,
			Err: fmt.Errorf("byte count mismatch: ingested %d, recorder declared %d",
				summary.TotalBytes, e.terminal.TotalBytes),
		}
	}

	summary.MediaHash = e.terminal.MediaHash
	summary.MimeType = e.terminal.MimeType
	return summary, nil
}

func (e *IngestionEngine) handleFragment(payload []byte, summary *Summary) error {
	if e.terminalSeen {
		return &IngestionError{
			Kind: IngestionErrorStream,
			Err:  errors.New("fragment received after recording_complete"),
		}
	}

	frame, err := DecodeFragmentFrame(payload)
	if err != nil {
		return &IngestionError{Kind: IngestionErrorStream, Err: err}
	}
	if frame.Seq != e.nextSeq {
		return &IngestionError{
			Kind: IngestionErrorStream,
			Err:  fmt.Errorf("expected fragment seq %d, got %d", e.nextSeq, frame.Seq),
		}
	}
	if len(frame.Data) > MaxFragmentSize {
		return &IngestionError{
			Kind: IngestionErrorStream,
			Err:  fmt.Errorf("fragment size %d exceeds max %d", len(frame.Data), MaxFragmentSize),
		}
	}

	index := int(frame.Seq - 1)
	chunk, err := e.chain.ProcessChunk(frame.Data, index)
	if err != nil {
		return &IngestionError{Kind: IngestionErrorIntegrity, Err: err}
	}
	if err := e.spool.Append(index, frame.Data); err != nil {
		return &IngestionError{Kind: IngestionErrorSpool, Err: err}
	}

	e.nextSeq++
	summary.Fragments++
	summary.TotalBytes += chunk.SizeBytes
	e.collector.IncFragmentIngested()
	e.collector.AddBytesIngested(chunk.SizeBytes)

	if e.observer != nil {
		e.observer(chunk)
	}
	return nil
}

func (e *IngestionEngine) handleTerminal(payload []byte) error {
	if e.terminalSeen {
		// First terminal wins; subsequent terminals are ignored.
		e.logger.Warn("duplicate recording_complete ignored", nil)
		return nil
	}
	frame, err := DecodeRecordingComplete(payload)
	if err != nil {
		return &IngestionError{Kind: IngestionErrorStream, Err: err}
	}
	e.terminalSeen = true
	e.terminal = frame
	return nil
}
