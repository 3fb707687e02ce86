package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evidentia-io/evidentia/custody"
	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/types"
)

// buildManifest assembles a consistent manifest through the real integrity
// manager and custody hash chain, so every commitment actually verifies.
func buildManifest(t *testing.T) *types.EvidenceManifest {
	t.Helper()

	chain := integrity.NewChunkIntegrityManager()
	payloads := [][]byte{[]byte("fragment-0"), []byte("fragment-1"), []byte("fragment-2")}
	for i, p := range payloads {
		if _, err := chain.ProcessChunk(p, i); err != nil {
			t.Fatalf("ProcessChunk failed: %v", err)
		}
	}
	root, err := chain.CalculateMerkleRoot()
	if err != nil {
		t.Fatalf("CalculateMerkleRoot failed: %v", err)
	}
	entries := chain.ManifestEntries()

	stages := make([]types.StageResult, types.StageCount)
	for i := range stages {
		stages[i] = types.StageResult{
			Stage:       i,
			Name:        types.StageNameFor(i),
			Hash:        "stagehash-" + string(rune('a'+i)),
			TimestampMs: time.Now().UnixMilli(),
		}
	}
	chainHash, err := custody.ChainHashFromStages(stages)
	if err != nil {
		t.Fatalf("ChainHashFromStages failed: %v", err)
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	return &types.EvidenceManifest{
		ManifestVersion: types.ManifestVersion,
		EvidenceID:      "ev-1",
		CorrelationID:   "corr-1",
		PageURL:         "https://example.com",
		CreatedAtMs:     time.Now().UnixMilli(),
		MerkleRoot:      root,
		Chunks:          entries,
		Custody: &types.ChainOfCustodyResult{
			Success:   true,
			ChainHash: chainHash,
			Stages:    stages,
		},
		Timestamp: &types.TimestampResult{
			Type:        types.TimestampAuthority,
			MerkleRoot:  root,
			TimestampMs: time.Now().UnixMilli(),
		},
		Storage: &types.UploadResult{
			StorageKey: "captures/ev-1/video.webm",
			Parts: []types.UploadPart{
				{PartNumber: 1, ETag: "etag-1", SizeBytes: total},
			},
			TotalBytes: total,
		},
	}
}

func findCheck(t *testing.T, checks []verifyCheck, name string) verifyCheck {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q", name)
	return verifyCheck{}
}

func TestVerifyManifest_ConsistentManifestPasses(t *testing.T) {
	checks := verifyManifest(buildManifest(t))
	for _, c := range checks {
		if !c.OK {
			t.Errorf("check %s failed: %s", c.Name, c.Detail)
		}
	}
}

func TestVerifyManifest_BrokenChunkLink(t *testing.T) {
	m := buildManifest(t)
	tampered := "tampered"
	m.Chunks[2].PreviousHash = &tampered

	check := findCheck(t, verifyManifest(m), "chunk_chain")
	if check.OK {
		t.Fatal("expected chunk chain check to fail")
	}
	if check.Detail != "broken link at chunk 2: previous hash does not match chunk 1" {
		t.Errorf("unexpected detail: %s", check.Detail)
	}
}

func TestVerifyManifest_IndexGap(t *testing.T) {
	m := buildManifest(t)
	m.Chunks[1].Index = 5

	check := findCheck(t, verifyManifest(m), "chunk_chain")
	if check.OK {
		t.Fatal("expected chunk chain check to fail")
	}
}

func TestVerifyManifest_TamperedChunkHashBreaksMerkle(t *testing.T) {
	m := buildManifest(t)
	// Tamper a hash and repair the forward link so only the Merkle
	// commitment catches it.
	m.Chunks[1].Hash = "deadbeef"
	m.Chunks[2].PreviousHash = &m.Chunks[1].Hash

	check := findCheck(t, verifyManifest(m), "merkle_root")
	if check.OK {
		t.Fatal("expected merkle check to fail")
	}
}

func TestVerifyManifest_CustodyChainMismatch(t *testing.T) {
	m := buildManifest(t)
	m.Custody.Stages[3].Hash = "altered"

	check := findCheck(t, verifyManifest(m), "custody_chain")
	if check.OK {
		t.Fatal("expected custody check to fail")
	}
}

func TestVerifyManifest_MissingCustody(t *testing.T) {
	m := buildManifest(t)
	m.Custody = nil

	check := findCheck(t, verifyManifest(m), "custody_chain")
	if check.OK {
		t.Fatal("expected custody check to fail without a record")
	}
}

func TestVerifyManifest_TimestampRootMismatch(t *testing.T) {
	m := buildManifest(t)
	m.Timestamp.MerkleRoot = "other-root"

	check := findCheck(t, verifyManifest(m), "timestamp")
	if check.OK {
		t.Fatal("expected timestamp check to fail")
	}
}

func TestVerifyManifest_PartNumbersNotContiguous(t *testing.T) {
	m := buildManifest(t)
	m.Storage.Parts[0].PartNumber = 2

	check := findCheck(t, verifyManifest(m), "storage")
	if check.OK {
		t.Fatal("expected storage check to fail")
	}
}

func TestVerifyManifest_PartBytesShortfall(t *testing.T) {
	m := buildManifest(t)
	m.Storage.Parts[0].SizeBytes--

	check := findCheck(t, verifyManifest(m), "storage")
	if check.OK {
		t.Fatal("expected storage check to fail on byte shortfall")
	}
}

func TestVerifyManifest_NoStorageIsAcceptable(t *testing.T) {
	m := buildManifest(t)
	m.Storage = nil

	check := findCheck(t, verifyManifest(m), "storage")
	if !check.OK {
		t.Errorf("missing storage record should pass: %s", check.Detail)
	}
}

func TestErrorToExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"isolation", types.NewPipelineError(types.ErrIsolation, "x"), exitCustodyFailure},
		{"signature", types.NewPipelineError(types.ErrSignature, "x"), exitCustodyFailure},
		{"network", types.NewPipelineError(types.ErrNetwork, "x"), exitUploadFailure},
		{"validation", types.NewPipelineError(types.ErrValidation, "x"), exitCaptureError},
		{"aborted", types.NewPipelineError(types.ErrAborted, "x"), exitCaptureError},
		{"plain error", errors.New("x"), exitCaptureError},
		{"wrapped network", types.WrapPipelineError(types.ErrNetwork, "x", errors.New("y")), exitUploadFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorToExitCode(tt.err); got != tt.want {
				t.Errorf("errorToExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Errorf("got %q, want c", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Errorf("got %q, want a", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestLocalTimestampService(t *testing.T) {
	ts, err := localTimestampService{}.Timestamp(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Type != types.TimestampLocalFallback {
		t.Errorf("expected local fallback source, got %s", ts.Type)
	}
	if ts.MerkleRoot != "root-1" {
		t.Errorf("expected covered root root-1, got %s", ts.MerkleRoot)
	}
	if ts.TimestampMs == 0 {
		t.Error("expected a nonzero timestamp")
	}
}
