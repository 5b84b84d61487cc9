package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

// Downloader fetches remote upload sources to the local disk.
type Downloader struct {
	client *http.Client
	logger log.Logger
}

// NewDownloader ...
func NewDownloader(retryMax int, logger log.Logger) *Downloader {
	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.RetryMax = retryMax
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	return &Downloader{
		client: retryableHTTPClient.StandardClient(),
		logger: logger,
	}
}

// Download writes the content behind url to dest.
func (d *Downloader) Download(ctx context.Context, url, dest string) error {
	if url == "" {
		return fmt.Errorf("download URL is empty")
	}

	d.logger.Debugf("Downloading %s to %s", url, dest)

	downloader := got.New()
	downloader.Client = d.client

	if err := downloader.Do(got.NewDownload(ctx, url, dest)); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}
