package upload

import (
	"context"

	"github.com/evidentia-io/evidentia/types"
)

// Session identifies one initiated multipart upload.
type Session struct {
	// UploadID is the coordination service's upload identifier.
	UploadID string
	// StorageKey is the destination key within the storage backend.
	StorageKey string
}

// PartTarget is a short-lived destination for one part transfer.
type PartTarget struct {
	// TransferURL is the presigned transfer URL.
	TransferURL string
}

// CompletionResult is the outcome of completing a multipart upload.
type CompletionResult struct {
	// URL is the final object URL.
	URL string
	// StorageKey is the destination key within the storage backend.
	StorageKey string
}

// CoordinationService coordinates multipart uploads with the storage
// backend. Implementations must tolerate repeated RequestPartTarget calls
// for the same part number (retries reuse the part number).
type CoordinationService interface {
	// Initiate obtains an upload identifier and destination key.
	Initiate(ctx context.Context, sessionID, kind string) (*Session, error)
	// RequestPartTarget obtains a short-lived transfer target for a part.
	// checksum is the hex content hash of the part payload, recorded for
	// audit; backends may bind it into the target.
	RequestPartTarget(ctx context.Context, uploadID string, partNumber int32, checksum string) (*PartTarget, error)
	// Complete combines the uploaded parts into the final object.
	Complete(ctx context.Context, uploadID string, parts []types.UploadPart) (*CompletionResult, error)
	// Abort discards an in-progress upload and its parts.
	Abort(ctx context.Context, uploadID string) error
}

// Transferrer performs the actual part transfer. The pipeline owns only
// the scheduling and retry policy around it, not the transport.
type Transferrer interface {
	// UploadPart sends payload to the transfer URL and returns the
	// entity tag reported by storage.
	UploadPart(ctx context.Context, transferURL string, payload []byte, checksum string) (etag string, err error)
}
