package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/evidentia-io/evidentia/adapter"
	"github.com/evidentia-io/evidentia/adapter/redis"
	"github.com/evidentia-io/evidentia/adapter/webhook"
	"github.com/evidentia-io/evidentia/capture"
	"github.com/evidentia-io/evidentia/cli/config"
	"github.com/evidentia-io/evidentia/custody"
	"github.com/evidentia-io/evidentia/integrity"
	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/metrics"
	"github.com/evidentia-io/evidentia/pipeline"
	"github.com/evidentia-io/evidentia/types"
	"github.com/evidentia-io/evidentia/upload"
)

// Exit codes for the capture command.
const (
	exitSuccess        = 0
	exitCaptureError   = 1
	exitCustodyFailure = 2
	exitUploadFailure  = 3
)

// CaptureCommand returns the capture command, the only command that
// executes work. It drives one full evidence lifecycle: custody protocol,
// fragment ingestion, trust timestamp, multipart upload, certification.
func CaptureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Run one evidence capture end to end",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Page URL under capture",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "stream",
				Usage: "Recorder fragment stream (file path, or - for stdin)",
				Value: "-",
			},
			&cli.StringFlag{
				Name:  "bridge-url",
				Usage: "Capture bridge base URL (custody gateways)",
			},
			&cli.StringFlag{
				Name:  "target-id",
				Usage: "Browser target identifier",
			},
			// Capture identity flags
			&cli.StringFlag{
				Name:  "evidence-id",
				Usage: "Evidence ID (generated when omitted)",
			},
			&cli.StringFlag{
				Name:  "correlation-id",
				Usage: "Correlation ID (generated when omitted)",
			},
			&cli.IntFlag{
				Name:  "attempt",
				Usage: "Attempt number (starts at 1)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parent-evidence-id",
				Usage: "Parent evidence ID (required for retries)",
			},
			&cli.StringFlag{
				Name:  "client-identity",
				Usage: "Client identity chained into the custody record",
			},
			// Capture flags
			&cli.StringFlag{
				Name:  "spool-dir",
				Usage: "Fragment spool directory (memory spool when omitted)",
			},
			&cli.StringFlag{
				Name:  "media-kind",
				Usage: "Storage object name for the media stream",
			},
			// Storage flags
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "S3 bucket for evidence storage",
			},
			&cli.StringFlag{
				Name:  "storage-prefix",
				Usage: "Key prefix within the bucket",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region (optional, uses default chain)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "S3-compatible endpoint override",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Use path-style S3 addressing",
			},
			&cli.Int64Flag{
				Name:  "min-part-bytes",
				Usage: "Multipart buffering threshold in bytes",
			},
			// Timestamp flags
			&cli.StringFlag{
				Name:  "tsa-url",
				Usage: "Trust timestamp authority URL (local clock when omitted)",
			},
			// Adapter flags
			&cli.StringFlag{
				Name:  "adapter-type",
				Usage: "Completion broadcast adapter: webhook or redis",
			},
			&cli.StringFlag{
				Name:  "adapter-url",
				Usage: "Adapter endpoint URL",
			},
			&cli.StringFlag{
				Name:  "adapter-channel",
				Usage: "Redis channel override",
			},
			// Output flags
			&cli.StringFlag{
				Name:  "manifest-out",
				Usage: "Manifest output path (default <evidence-id>.manifest.json)",
			},
			&cli.BoolFlag{
				Name:  "discard",
				Usage: "Discard the capture after review instead of certifying",
			},
		}, SharedFlags()...),
		Action: captureAction,
	}
}

func captureAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitCaptureError)
	}

	meta, err := buildMeta(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid capture identity: %v", err), exitCaptureError)
	}
	logger := log.NewLogger(meta)
	collector := metrics.NewCollector("s3", meta.EvidenceID)

	bridgeURL := c.String("bridge-url")
	if bridgeURL == "" {
		return cli.Exit("--bridge-url is required", exitCaptureError)
	}
	bridge, err := custody.NewBridge(custody.BridgeConfig{BaseURL: bridgeURL})
	if err != nil {
		return cli.Exit(fmt.Sprintf("bridge setup failed: %v", err), exitCaptureError)
	}
	defer func() { _ = bridge.Close() }()

	protocol := custody.NewProtocol(custody.Config{
		ClientIdentity:   firstNonEmpty(c.String("client-identity"), cfg.ClientIdentity),
		PageLoadTimeout:  cfg.Custody.PageLoadTimeout.Duration,
		MinDisabledRatio: cfg.Custody.MinDisabledRatio,
	}, meta, bridge, bridge, bridge, bridge, logger)

	spool, err := buildSpool(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("spool setup failed: %v", err), exitCaptureError)
	}

	// Set up context with signal handling before any remote session opens.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	chain := integrity.NewChunkIntegrityManager()
	scheduler, err := buildScheduler(ctx, c, cfg, chain, logger, collector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("storage setup failed: %v", err), exitCaptureError)
	}

	adapters, err := buildAdapters(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("adapter setup failed: %v", err), exitCaptureError)
	}
	defer closeAdapters(adapters, logger)

	tsa, err := buildTimestampService(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("timestamp setup failed: %v", err), exitCaptureError)
	}

	orch, err := pipeline.NewOrchestrator(meta, pipeline.Config{
		PageURL:   c.String("url"),
		TargetID:  c.String("target-id"),
		MediaKind: firstNonEmpty(c.String("media-kind"), cfg.Capture.MediaKind),
	}, pipeline.Deps{
		Protocol:   protocol,
		Chain:      chain,
		Spool:      spool,
		Scheduler:  scheduler,
		Timestamps: tsa,
		Adapters:   adapters,
		Logger:     logger,
		Collector:  collector,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("pipeline setup failed: %v", err), exitCaptureError)
	}

	quiet := c.Bool("quiet")
	if !quiet {
		unsubscribe := orch.OnProgress(func(ev pipeline.ProgressEvent) {
			if ev.Percent == 0 {
				fmt.Printf("%s: %s\n", ev.Phase, ev.Message)
			}
		})
		defer unsubscribe()
	}

	stream, closeStream, err := openStream(c.String("stream"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open recorder stream: %v", err), exitCaptureError)
	}
	defer closeStream()

	start := time.Now()
	result, err := orch.StartCapture(ctx, stream)
	if err != nil {
		return exitFor("capture failed", err)
	}

	if _, err := orch.ApplyTimestamp(ctx); err != nil {
		return exitFor("timestamping failed", err)
	}

	if err := runUploadWithRetries(ctx, orch); err != nil {
		return exitFor("upload failed", err)
	}

	if err := orch.OpenPreview(); err != nil {
		return exitFor("review failed", err)
	}

	if c.Bool("discard") {
		if err := orch.Discard(); err != nil {
			return exitFor("discard failed", err)
		}
		if !quiet {
			fmt.Printf("capture %s discarded\n", meta.EvidenceID)
		}
		return cli.Exit("", exitSuccess)
	}

	if err := orch.Approve(ctx); err != nil {
		return exitFor("certification failed", err)
	}

	manifest := orch.Manifest()
	manifestPath := firstNonEmpty(c.String("manifest-out"), meta.EvidenceID+".manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return cli.Exit(fmt.Sprintf("manifest write failed: %v", err), exitCaptureError)
	}

	if !quiet {
		printCaptureResult(result, orch.State(), manifestPath, time.Since(start))
	}
	return cli.Exit("", exitSuccess)
}

// loadConfig loads the config file named by --config, or returns an empty
// config when the flag is unset.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// buildMeta assembles the capture identity, generating identifiers where
// flags are omitted.
func buildMeta(c *cli.Context) (*types.CaptureMeta, error) {
	meta := &types.CaptureMeta{
		EvidenceID:    firstNonEmpty(c.String("evidence-id"), uuid.NewString()),
		CorrelationID: firstNonEmpty(c.String("correlation-id"), uuid.NewString()),
		Attempt:       c.Int("attempt"),
	}
	if parent := c.String("parent-evidence-id"); parent != "" {
		meta.ParentEvidenceID = &parent
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func buildSpool(c *cli.Context, cfg *config.Config) (capture.Spool, error) {
	dir := firstNonEmpty(c.String("spool-dir"), cfg.Capture.SpoolDir)
	if dir == "" {
		return capture.NewMemorySpool(), nil
	}
	return capture.NewFileSpool(dir)
}

func buildScheduler(ctx context.Context, c *cli.Context, cfg *config.Config,
	chain *integrity.ChunkIntegrityManager, logger *log.Logger,
	collector *metrics.Collector) (*upload.Scheduler, error) {
	s3cfg := cfg.S3Config()
	if v := c.String("bucket"); v != "" {
		s3cfg.Bucket = v
	}
	if v := c.String("storage-prefix"); v != "" {
		s3cfg.Prefix = v
	}
	if v := c.String("region"); v != "" {
		s3cfg.Region = v
	}
	if v := c.String("endpoint"); v != "" {
		s3cfg.Endpoint = v
	}
	if c.Bool("s3-path-style") {
		s3cfg.UsePathStyle = true
	}

	coord, err := upload.NewS3Coordinator(ctx, s3cfg)
	if err != nil {
		return nil, err
	}

	schedCfg := upload.SchedulerConfig{
		MinPartSize: cfg.Upload.MinPartBytes,
		Retry:       cfg.RetryPolicy(),
		Tracker:     chain,
	}
	if v := c.Int64("min-part-bytes"); v > 0 {
		schedCfg.MinPartSize = v
	}
	return upload.NewScheduler(coord, upload.NewHTTPTransferrer(0), schedCfg, logger, collector), nil
}

func buildAdapters(c *cli.Context, cfg *config.Config) ([]adapter.Adapter, error) {
	kind := firstNonEmpty(c.String("adapter-type"), cfg.Adapter.Type)
	if kind == "" {
		return nil, nil
	}
	url := firstNonEmpty(c.String("adapter-url"), cfg.Adapter.URL)

	retries := -1
	if cfg.Adapter.Retries != nil {
		retries = *cfg.Adapter.Retries
	}

	switch kind {
	case "webhook":
		wcfg := webhook.Config{
			URL:     url,
			Headers: cfg.Adapter.Headers,
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: webhook.DefaultRetries,
		}
		if retries >= 0 {
			wcfg.Retries = retries
		}
		a, err := webhook.New(wcfg)
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil

	case "redis":
		rcfg := redis.Config{
			URL:     url,
			Channel: firstNonEmpty(c.String("adapter-channel"), cfg.Adapter.Channel),
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: redis.DefaultRetries,
		}
		if retries >= 0 {
			rcfg.Retries = retries
		}
		a, err := redis.New(rcfg)
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil

	default:
		return nil, fmt.Errorf("unknown adapter type %q", kind)
	}
}

func closeAdapters(adapters []adapter.Adapter, logger *log.Logger) {
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			logger.Warn("adapter close failed", map[string]any{"error": err.Error()})
		}
	}
}

// localTimestampService sources trust timestamps from the local clock
// when no authority is configured.
type localTimestampService struct{}

func (localTimestampService) Timestamp(_ context.Context, merkleRoot string) (*types.TimestampResult, error) {
	return &types.TimestampResult{
		Type:        types.TimestampLocalFallback,
		MerkleRoot:  merkleRoot,
		TimestampMs: time.Now().UnixMilli(),
	}, nil
}

func buildTimestampService(c *cli.Context, cfg *config.Config) (pipeline.TimestampService, error) {
	url := firstNonEmpty(c.String("tsa-url"), cfg.Timestamp.AuthorityURL)
	if url == "" {
		return localTimestampService{}, nil
	}
	return pipeline.NewHTTPTimestampService(url, cfg.Timestamp.Timeout.Duration)
}

// runUploadWithRetries calls Upload until it succeeds or the failure stops
// being recoverable. The orchestrator enforces the phase retry budget; the
// loop ends when it reports a non-recoverable error or leaves the
// uploading phase.
func runUploadWithRetries(ctx context.Context, orch *pipeline.Orchestrator) error {
	for {
		_, err := orch.Upload(ctx)
		if err == nil {
			return nil
		}
		var perr *types.PipelineError
		if errors.As(err, &perr) && perr.Recoverable && orch.State().Phase == types.PhaseUploading {
			continue
		}
		return err
	}
}

func openStream(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func writeManifest(path string, manifest *types.EvidenceManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// exitFor maps a pipeline error to the documented exit codes.
func exitFor(context string, err error) error {
	return cli.Exit(fmt.Sprintf("%s: %v", context, err), errorToExitCode(err))
}

func errorToExitCode(err error) int {
	var perr *types.PipelineError
	if !errors.As(err, &perr) {
		return exitCaptureError
	}
	switch perr.Code {
	case types.ErrIsolation, types.ErrSignature:
		return exitCustodyFailure
	case types.ErrNetwork:
		return exitUploadFailure
	default:
		return exitCaptureError
	}
}

func printCaptureResult(result *pipeline.CaptureResult, state types.PipelineState,
	manifestPath string, duration time.Duration) {
	fmt.Printf("\nevidence_id=%s, phase=%s, duration=%s\n",
		result.EvidenceID, state.Phase, duration.Round(time.Millisecond))

	fmt.Printf("\n=== Capture Result ===\n")
	fmt.Printf("Evidence ID:  %s\n", result.EvidenceID)
	fmt.Printf("Merkle Root:  %s\n", result.MerkleRoot)
	fmt.Printf("Media Hash:   %s\n", result.MediaHash)
	fmt.Printf("Fragments:    %d\n", result.Fragments)
	fmt.Printf("Total Bytes:  %d\n", result.TotalBytes)
	if result.Custody != nil {
		fmt.Printf("Chain Hash:   %s\n", result.Custody.ChainHash)
	}
	if state.UploadResult != nil {
		fmt.Printf("\n=== Storage ===\n")
		fmt.Printf("Key:          %s\n", state.UploadResult.StorageKey)
		fmt.Printf("Parts:        %d\n", len(state.UploadResult.Parts))
		fmt.Printf("URL:          %s\n", state.UploadResult.URL)
	}
	if state.TimestampResult != nil {
		fmt.Printf("\n=== Timestamp ===\n")
		fmt.Printf("Source:       %s\n", state.TimestampResult.Type)
		if state.TimestampResult.Warning != nil {
			fmt.Printf("Warning:      %s\n", *state.TimestampResult.Warning)
		}
	}
	fmt.Printf("\nManifest:     %s\n", manifestPath)
}
