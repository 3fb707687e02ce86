// Package metrics provides per-capture metrics collection.
//
// The Collector accumulates counters during a single capture. It is a leaf
// package with no internal dependencies. All increment methods are
// nil-receiver safe so call sites need no guards.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all capture metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Ingestion
	FragmentsIngested int64
	BytesIngested     int64

	// Custody
	StagesCompleted int64

	// Upload
	PartsUploaded   int64
	BytesUploaded   int64
	TransferRetries int64
	UploadFailures  int64

	// Pipeline lifecycle
	PhaseTransitions int64
	ErrorsSurfaced   int64

	// Dimensions (informational, set at construction)
	StorageBackend string
	EvidenceID     string
}

// Collector accumulates metrics during a single capture.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	fragmentsIngested int64
	bytesIngested     int64
	stagesCompleted   int64
	partsUploaded     int64
	bytesUploaded     int64
	transferRetries   int64
	uploadFailures    int64
	phaseTransitions  int64
	errorsSurfaced    int64

	storageBackend string
	evidenceID     string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(storageBackend, evidenceID string) *Collector {
	return &Collector{
		storageBackend: storageBackend,
		evidenceID:     evidenceID,
	}
}

// IncFragmentIngested records one ingested fragment.
func (c *Collector) IncFragmentIngested() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragmentsIngested++
}

// AddBytesIngested records ingested fragment bytes.
func (c *Collector) AddBytesIngested(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesIngested += n
}

// IncStageCompleted records one completed custody stage.
func (c *Collector) IncStageCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stagesCompleted++
}

// IncPartUploaded records one uploaded part of n bytes.
func (c *Collector) IncPartUploaded(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partsUploaded++
	c.bytesUploaded += n
}

// IncTransferRetry records one retried part transfer.
func (c *Collector) IncTransferRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferRetries++
}

// IncUploadFailure records one exhausted part transfer.
func (c *Collector) IncUploadFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadFailures++
}

// IncPhaseTransition records one pipeline phase transition.
func (c *Collector) IncPhaseTransition() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseTransitions++
}

// IncErrorSurfaced records one error delivered to subscribers.
func (c *Collector) IncErrorSurfaced() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorsSurfaced++
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		FragmentsIngested: c.fragmentsIngested,
		BytesIngested:     c.bytesIngested,
		StagesCompleted:   c.stagesCompleted,
		PartsUploaded:     c.partsUploaded,
		BytesUploaded:     c.bytesUploaded,
		TransferRetries:   c.transferRetries,
		UploadFailures:    c.uploadFailures,
		PhaseTransitions:  c.phaseTransitions,
		ErrorsSurfaced:    c.errorsSurfaced,
		StorageBackend:    c.storageBackend,
		EvidenceID:        c.evidenceID,
	}
}
