package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-scanupload/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

var errCancelled = errors.New("upload cancelled")

type flags struct {
	apiURL    string
	token     string
	chunkSize string
	backend   string
	s3Bucket  string
	s3Region  string
	s3Prefix  string
	attempts  uint
	parallel  int
	readAhead int
	verbose   bool
}

type runFunc func(ctx context.Context, cfg config.Config, args []string) error

func newRootCommand(logger log.Logger, envRepo env.Repository, run runFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "scan-upload [flags] <path|glob|dir|url>...",
		Short: "Upload build artifacts to the scanning service",
		Long: `Uploads each source to the scanning service in fixed size chunks over an upload session.

Sources can be local files (optionally file:// prefixed), doublestar glob patterns,
directories, which are bundled into a .tar.zst archive first, and http(s) URLs,
which are downloaded to a temporary directory first.

Every flag falls back to its SCAN_UPLOAD_* environment variable.

Examples:
  # Upload a single build
  scan-upload --api-url https://scan.example.com/api app-release.ipa

  # Upload every APK of a build directory, two at a time
  scan-upload --parallel 2 'build/**/*.apk'

  # Upload into an S3 bucket instead of the HTTP API
  scan-upload --backend s3 --s3-bucket scans --s3-region eu-west-1 ./Payload`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envRepo)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, f, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger.EnableDebugLog(cfg.Verbose)
			config.Print(cfg, logger)
			logger.Println()

			return run(cmd.Context(), cfg, args)
		},
	}

	flagSet := cmd.Flags()
	flagSet.StringVar(&f.apiURL, "api-url", "", "Base URL of the scanning service (SCAN_UPLOAD_API_URL)")
	flagSet.StringVar(&f.token, "token", "", "Bearer token of the scanning service (SCAN_UPLOAD_TOKEN)")
	flagSet.StringVar(&f.chunkSize, "chunk-size", "", "Chunk size, for example 5MiB (SCAN_UPLOAD_CHUNK_SIZE)")
	flagSet.StringVar(&f.backend, "backend", "", "Upload backend: http or s3 (SCAN_UPLOAD_BACKEND)")
	flagSet.StringVar(&f.s3Bucket, "s3-bucket", "", "S3 bucket of the s3 backend (SCAN_UPLOAD_S3_BUCKET)")
	flagSet.StringVar(&f.s3Region, "s3-region", "", "S3 region of the s3 backend (SCAN_UPLOAD_S3_REGION)")
	flagSet.StringVar(&f.s3Prefix, "s3-prefix", "", "Object key prefix of the s3 backend (SCAN_UPLOAD_S3_PREFIX)")
	flagSet.UintVar(&f.attempts, "attempts", 0, "Whole upload attempts per file on transport errors (SCAN_UPLOAD_ATTEMPTS)")
	flagSet.IntVar(&f.parallel, "parallel", 0, "Number of files uploaded at the same time (SCAN_UPLOAD_PARALLEL)")
	flagSet.IntVar(&f.readAhead, "read-ahead", 0, "Chunks read ahead of the one being sent, 0 disables (SCAN_UPLOAD_READ_AHEAD)")
	flagSet.BoolVar(&f.verbose, "verbose", false, "Enable debug logging (SCAN_UPLOAD_VERBOSE)")

	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, f flags, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("api-url") {
		cfg.APIURL = f.apiURL
	}
	if changed("token") {
		cfg.Token = config.Secret(f.token)
	}
	if changed("chunk-size") {
		size, err := config.ParseByteSize(f.chunkSize)
		if err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if changed("backend") {
		if f.backend != config.BackendHTTP && f.backend != config.BackendS3 {
			return fmt.Errorf("invalid --backend: %q, options: %s, %s", f.backend, config.BackendHTTP, config.BackendS3)
		}
		cfg.Backend = f.backend
	}
	if changed("s3-bucket") {
		cfg.S3Bucket = f.s3Bucket
	}
	if changed("s3-region") {
		cfg.S3Region = f.s3Region
	}
	if changed("s3-prefix") {
		cfg.S3Prefix = f.s3Prefix
	}
	if changed("attempts") {
		cfg.Attempts = f.attempts
	}
	if changed("parallel") {
		cfg.Parallel = f.parallel
	}
	if changed("read-ahead") {
		cfg.ReadAhead = f.readAhead
	}
	if changed("verbose") {
		cfg.Verbose = f.verbose
	}
	return nil
}

func execute(ctx context.Context, args []string, logger log.Logger, envRepo env.Repository) int {
	runner := func(ctx context.Context, cfg config.Config, sources []string) error {
		return runUpload(ctx, cfg, sources, logger, envRepo)
	}

	cmd := newRootCommand(logger, envRepo, runner)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	return exitCode(logger, err)
}

func exitCode(logger log.Logger, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errCancelled):
		logger.Warnf("%s", err)
		return exitCancelled
	default:
		logger.Errorf("%s", err)
		return exitFailure
	}
}
