package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	scananalytics "github.com/bitrise-io/go-scanupload/analytics"
	"github.com/bitrise-io/go-scanupload/config"
	"github.com/bitrise-io/go-scanupload/input"
	"github.com/bitrise-io/go-scanupload/upload"
	"github.com/bitrise-io/go-scanupload/upload/bundle"
	"github.com/bitrise-io/go-scanupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

type uploader struct {
	cfg      config.Config
	session  network.Session
	resolver input.Resolver
	tracker  analytics.Tracker
	logger   log.Logger
}

func runUpload(ctx context.Context, cfg config.Config, args []string, logger log.Logger, envRepo env.Repository) error {
	session, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var tracker analytics.Tracker
	if cfg.Analytics {
		tracker = scananalytics.NewDefaultRunTracker(envRepo, cfg.Backend)
		defer tracker.Wait()
	}

	pathProvider := pathutil.NewPathProvider()
	provider := input.NewFileProvider(network.NewDownloader(cfg.TransportRetries, logger), pathProvider, pathutil.NewPathModifier())
	bundler := bundle.NewBundler(logger, envRepo, bundle.NewBinaryChecker(logger, envRepo))

	u := uploader{
		cfg:      cfg,
		session:  session,
		resolver: input.NewResolver(provider, bundler, bundle.ArchiveName, pathProvider, pathutil.NewPathChecker(), logger),
		tracker:  tracker,
		logger:   logger,
	}
	return u.run(ctx, args)
}

func newSession(ctx context.Context, cfg config.Config, logger log.Logger) (network.Session, error) {
	if cfg.Backend == config.BackendS3 {
		session, err := network.NewS3Session(ctx, cfg.S3Config(), logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	client, err := network.NewClient(cfg.ClientConfig(), logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// run uploads every source of args. All sources are attempted even if some fail; the failures are
// returned together.
func (u uploader) run(ctx context.Context, args []string) error {
	sources, err := u.resolver.Resolve(ctx, args)
	defer u.cleanup(sources)
	if err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		return err
	}

	u.logger.Infof("Uploading %d file(s)", len(sources))

	var (
		mu       sync.Mutex
		failures *multierror.Error
	)
	group := new(errgroup.Group)
	group.SetLimit(u.cfg.Parallel)

	for _, source := range sources {
		source := source
		group.Go(func() error {
			if err := u.uploadSource(ctx, source); err != nil {
				mu.Lock()
				failures = multierror.Append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return errCancelled
	}
	return failures.ErrorOrNil()
}

func (u uploader) uploadSource(ctx context.Context, source input.Source) error {
	if ctx.Err() != nil {
		return nil
	}

	name := source.Name()
	outcome := upload.Retry(ctx, u.cfg.Attempts, u.cfg.RetryWait, u.logger, func(uint) upload.Outcome {
		target, closer, err := upload.OpenTarget(source.Path, int64(u.cfg.ChunkSize))
		if err != nil {
			return upload.Outcome{Err: err}
		}
		defer func() {
			if err := closer.Close(); err != nil {
				u.logger.Warnf("Failed to close %s: %s", source.Path, err)
			}
		}()

		orchestrator := upload.New(u.session, u.logger,
			upload.WithReporter(upload.NewLogReporter(u.logger, name)),
			upload.WithCallbacks(upload.Callbacks{
				OnComplete: func(payload json.RawMessage) {
					if len(payload) > 0 {
						u.logger.Printf("%s: %s", name, payload)
					}
				},
			}),
			upload.WithReadAhead(u.cfg.ReadAhead),
			upload.WithTracker(u.tracker),
		)
		return orchestrator.UploadFile(ctx, target)
	})

	if outcome.Err != nil {
		return fmt.Errorf("%s: %w", source.Arg, outcome.Err)
	}
	return nil
}

func (u uploader) cleanup(sources []input.Source) {
	for _, source := range sources {
		if !source.Temporary {
			continue
		}
		if err := os.RemoveAll(filepath.Dir(source.Path)); err != nil {
			u.logger.Warnf("Failed to remove %s: %s", source.Path, err)
		}
	}
}
