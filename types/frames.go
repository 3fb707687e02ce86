//nolint:revive // types is a common Go package naming convention
package types

// FragmentFrameType is the type discriminant for media fragment frames.
const FragmentFrameType = "fragment"

// RecordingCompleteType is the type discriminant for the terminal frame.
const RecordingCompleteType = "recording_complete"

// FrameProbe extracts only the type discriminant from a frame payload.
// Decoding the full frame just to learn its type is wasteful for large
// fragment frames; decode into this first.
type FrameProbe struct {
	Type string `msgpack:"type"`
}

// FragmentFrame is one streamed media fragment from the recorder.
// All fields use msgpack tags to match the recorder's wire format.
type FragmentFrame struct {
	// Type is always "fragment" for fragment frames.
	Type string `msgpack:"type"`
	// Seq is the fragment sequence number, starts at 1.
	Seq int64 `msgpack:"seq"`
	// TimestampMs is the recorder-side capture time in Unix milliseconds.
	TimestampMs int64 `msgpack:"timestamp_ms"`
	// Data is the raw fragment bytes.
	Data []byte `msgpack:"data"`
}

// RecordingCompleteFrame is the terminal control frame closing a recording.
// Discriminated from fragment frames by Type == "recording_complete".
type RecordingCompleteFrame struct {
	// Type is always "recording_complete".
	Type string `msgpack:"type"`
	// TotalFragments is the number of fragment frames emitted.
	TotalFragments int64 `msgpack:"total_fragments"`
	// TotalBytes is the sum of all fragment payload sizes.
	TotalBytes int64 `msgpack:"total_bytes"`
	// MediaHash is the recorder-computed hex hash of the full media stream.
	MediaHash string `msgpack:"media_hash"`
	// MimeType is the media container type (e.g. video/webm).
	MimeType string `msgpack:"mime_type,omitempty"`
}
