package capture

import (
	"fmt"
	"os"
	"path/filepath"
)

// Spool retains raw fragment payloads between capture and upload.
// The trust timestamp must predate any mutable storage write, so fragments
// are held locally until the timestamping phase has completed.
type Spool interface {
	// Append stores the payload for the given fragment index.
	// Indexes arrive strictly sequentially.
	Append(index int, data []byte) error
	// Replay invokes fn for every stored fragment in index order.
	Replay(fn func(index int, data []byte) error) error
	// Len returns the number of stored fragments.
	Len() int
	// Discard releases the spool's storage.
	Discard() error
}

// MemorySpool holds fragments in memory. Suitable for short recordings
// and tests.
type MemorySpool struct {
	fragments [][]byte
}

// NewMemorySpool creates an empty in-memory spool.
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{}
}

// Append stores a copy of data at the given index.
func (s *MemorySpool) Append(index int, data []byte) error {
	if index != len(s.fragments) {
		return fmt.Errorf("spool: expected index %d, got %d", len(s.fragments), index)
	}
	s.fragments = append(s.fragments, append([]byte(nil), data...))
	return nil
}

// Replay invokes fn for every stored fragment in order.
func (s *MemorySpool) Replay(fn func(index int, data []byte) error) error {
	for i, data := range s.fragments {
		if err := fn(i, data); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored fragments.
func (s *MemorySpool) Len() int {
	return len(s.fragments)
}

// Discard drops all stored fragments.
func (s *MemorySpool) Discard() error {
	s.fragments = nil
	return nil
}

// FileSpool writes each fragment to its own file under a directory.
// Used for recordings too large to hold in memory.
type FileSpool struct {
	dir   string
	count int
}

// NewFileSpool creates a spool directory under parent.
func NewFileSpool(parent string) (*FileSpool, error) {
	dir, err := os.MkdirTemp(parent, "evidentia-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FileSpool{dir: dir}, nil
}

// Append writes the payload for the given fragment index.
func (s *FileSpool) Append(index int, data []byte) error {
	if index != s.count {
		return fmt.Errorf("spool: expected index %d, got %d", s.count, index)
	}
	if err := os.WriteFile(s.path(index), data, 0o600); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	s.count++
	return nil
}

// Replay reads every stored fragment in index order.
func (s *FileSpool) Replay(fn func(index int, data []byte) error) error {
	for i := range s.count {
		data, err := os.ReadFile(s.path(i))
		if err != nil {
			return fmt.Errorf("spool read: %w", err)
		}
		if err := fn(i, data); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored fragments.
func (s *FileSpool) Len() int {
	return s.count
}

// Discard removes the spool directory.
func (s *FileSpool) Discard() error {
	s.count = 0
	return os.RemoveAll(s.dir)
}

func (s *FileSpool) path(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frag-%06d.bin", index))
}
