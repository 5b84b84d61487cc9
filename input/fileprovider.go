// Package input turns the command line sources of an upload into local files.
package input

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	fileScheme = "file://"
)

// FileDownloader fetches a remote file to a local path.
type FileDownloader interface {
	Download(ctx context.Context, url, destination string) error
}

// FileProvider returns the local path of a source given either as a local path (optionally with the
// `file://` scheme) or as an http(s) URL, which is downloaded to a temporary directory first.
type FileProvider struct {
	downloader   FileDownloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader FileDownloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return FileProvider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// LocalPath returns the absolute local path of source and whether it is a temporary download.
func (p FileProvider) LocalPath(ctx context.Context, source string) (string, bool, error) {
	if IsRemote(source) {
		pth, err := p.downloadFile(ctx, source)
		return pth, true, err
	}

	pth, err := p.trimmedFilePath(source)
	return pth, false, err
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Removes file:// from the beginning of the path
func (p FileProvider) trimmedFilePath(source string) (string, error) {
	pth := strings.TrimPrefix(source, fileScheme)
	return p.pathModifier.AbsPath(pth)
}

func (p FileProvider) downloadFile(ctx context.Context, source string) (string, error) {
	if p.downloader == nil {
		return "", fmt.Errorf("remote source %s is not supported without a downloader", source)
	}

	fileName, err := fileNameFromURL(source)
	if err != nil {
		return "", fmt.Errorf("failed to extract file name from URL %s: %w", source, err)
	}

	tmpDir, err := p.pathProvider.CreateTempDir("scan-upload")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := p.downloader.Download(ctx, source, localPath); err != nil {
		removeTempDir(tmpDir)
		return "", err
	}

	return localPath, nil
}

func removeTempDir(dir string) {
	_ = os.RemoveAll(dir)
}

// Returns the file's name from a URL that starts with
// `http://` or `https://`
func fileNameFromURL(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", err
	}

	name := filepath.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("no file name in path %q", u.Path)
	}
	return name, nil
}
