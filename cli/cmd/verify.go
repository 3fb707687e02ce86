package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/evidentia-io/evidentia/custody"
	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/types"
)

// Exit codes for the verify command.
const (
	exitVerifyOK     = 0
	exitVerifyBroken = 1
	exitVerifyError  = 2
)

// VerifyCommand returns the verify command: offline re-verification of an
// evidence manifest. It recomputes the chunk hash chain, the Merkle root,
// and the custody chain hash from the manifest alone; the original media
// bytes are not required.
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Re-verify an evidence manifest offline",
		ArgsUsage: "<manifest.json>",
		Flags:     SharedFlags(),
		Action:    verifyAction,
	}
}

func verifyAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: evidentia verify <manifest.json>", exitVerifyError)
	}
	path := c.Args().First()

	data, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read manifest: %v", err), exitVerifyError)
	}
	var manifest types.EvidenceManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return cli.Exit(fmt.Sprintf("invalid manifest JSON: %v", err), exitVerifyError)
	}

	checks := verifyManifest(&manifest)
	broken := false
	for _, check := range checks {
		if !check.OK {
			broken = true
		}
		if !c.Bool("quiet") {
			mark := "ok"
			if !check.OK {
				mark = "FAIL"
			}
			fmt.Printf("%-14s %-4s %s\n", check.Name, mark, check.Detail)
		}
	}

	if broken {
		return cli.Exit("manifest verification failed", exitVerifyBroken)
	}
	if !c.Bool("quiet") {
		fmt.Printf("\nmanifest %s verified\n", manifest.EvidenceID)
	}
	return cli.Exit("", exitVerifyOK)
}

// verifyCheck is one verification finding.
type verifyCheck struct {
	Name   string
	OK     bool
	Detail string
}

// verifyManifest re-derives every commitment the manifest carries and
// reports one finding per concern. The first broken chunk link is named by
// index.
func verifyManifest(m *types.EvidenceManifest) []verifyCheck {
	checks := []verifyCheck{
		verifyChunkChain(m.Chunks),
		verifyMerkle(m),
		verifyCustody(m.Custody),
		verifyTimestamp(m),
		verifyStorage(m),
	}
	return checks
}

// verifyChunkChain walks the chunk entries and reports the first broken
// link: a gap in the index sequence, a dangling first link, or a
// previous-hash mismatch.
func verifyChunkChain(entries []types.ManifestEntry) verifyCheck {
	check := verifyCheck{Name: "chunk_chain"}
	if len(entries) == 0 {
		check.Detail = "no chunk entries"
		return check
	}

	for i, entry := range entries {
		if entry.Index != i {
			check.Detail = fmt.Sprintf("index gap at position %d: got index %d", i, entry.Index)
			return check
		}
		if entry.Hash == "" {
			check.Detail = fmt.Sprintf("chunk %d has empty hash", i)
			return check
		}
		if i == 0 {
			if entry.PreviousHash != nil {
				check.Detail = "chunk 0 must not link to a predecessor"
				return check
			}
			continue
		}
		if entry.PreviousHash == nil {
			check.Detail = fmt.Sprintf("chunk %d missing previous hash link", i)
			return check
		}
		if *entry.PreviousHash != entries[i-1].Hash {
			check.Detail = fmt.Sprintf("broken link at chunk %d: previous hash does not match chunk %d", i, i-1)
			return check
		}
	}

	if !integrity.VerifyChain(entries) {
		check.Detail = "chain verification failed"
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%d chunks linked", len(entries))
	return check
}

func verifyMerkle(m *types.EvidenceManifest) verifyCheck {
	check := verifyCheck{Name: "merkle_root"}
	if len(m.Chunks) == 0 {
		check.Detail = "no chunks to commit"
		return check
	}
	hashes := make([]string, len(m.Chunks))
	for i, entry := range m.Chunks {
		hashes[i] = entry.Hash
	}
	root := integrity.MerkleRoot(hashes)
	if root != m.MerkleRoot {
		check.Detail = "recomputed root does not match manifest"
		return check
	}
	check.OK = true
	check.Detail = root
	return check
}

func verifyCustody(custodyResult *types.ChainOfCustodyResult) verifyCheck {
	check := verifyCheck{Name: "custody_chain"}
	if custodyResult == nil {
		check.Detail = "no custody record"
		return check
	}
	if !custodyResult.Success {
		check.Detail = "custody run did not succeed"
		return check
	}
	if len(custodyResult.Stages) != types.StageCount {
		check.Detail = fmt.Sprintf("expected %d stages, got %d", types.StageCount, len(custodyResult.Stages))
		return check
	}
	for i, stage := range custodyResult.Stages {
		if stage.Stage != i {
			check.Detail = fmt.Sprintf("stage order broken at position %d", i)
			return check
		}
	}
	chainHash, err := custody.ChainHashFromStages(custodyResult.Stages)
	if err != nil {
		check.Detail = fmt.Sprintf("chain hash recomputation failed: %v", err)
		return check
	}
	if chainHash != custodyResult.ChainHash {
		check.Detail = "recomputed chain hash does not match"
		return check
	}
	check.OK = true
	check.Detail = chainHash
	return check
}

func verifyTimestamp(m *types.EvidenceManifest) verifyCheck {
	check := verifyCheck{Name: "timestamp"}
	if m.Timestamp == nil {
		check.Detail = "no trust timestamp"
		return check
	}
	if m.Timestamp.MerkleRoot != m.MerkleRoot {
		check.Detail = "timestamp covers a different merkle root"
		return check
	}
	check.OK = true
	check.Detail = string(m.Timestamp.Type)
	if m.Timestamp.Warning != nil {
		check.Detail += " (degraded)"
	}
	return check
}

func verifyStorage(m *types.EvidenceManifest) verifyCheck {
	check := verifyCheck{Name: "storage"}
	if m.Storage == nil {
		check.OK = true
		check.Detail = "no storage record (not uploaded)"
		return check
	}
	var partBytes int64
	for i, part := range m.Storage.Parts {
		if part.PartNumber != int32(i+1) {
			check.Detail = fmt.Sprintf("part numbers not contiguous at position %d", i)
			return check
		}
		partBytes += part.SizeBytes
	}
	var chunkBytes int64
	for _, entry := range m.Chunks {
		chunkBytes += entry.SizeBytes
	}
	if partBytes != chunkBytes {
		check.Detail = fmt.Sprintf("part bytes %d do not cover chunk bytes %d", partBytes, chunkBytes)
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%d parts, %d bytes", len(m.Storage.Parts), partBytes)
	return check
}
