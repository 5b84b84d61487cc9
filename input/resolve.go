package input

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// Source is a local file ready to be uploaded.
type Source struct {
	// Arg is the command line argument the source was resolved from.
	Arg string
	// Path is the absolute path of the file to upload.
	Path string
	// Temporary is set for downloads and directory bundles the caller should remove after the upload.
	Temporary bool
}

// Name is the file name reported to the scanning service.
func (s Source) Name() string {
	return filepath.Base(s.Path)
}

// Bundler archives a directory into a single file.
type Bundler interface {
	Bundle(dir, archivePath string) error
}

// Resolver expands upload arguments: glob patterns are matched, directories are bundled and
// remote URLs are downloaded.
type Resolver struct {
	provider     FileProvider
	bundler      Bundler
	archiveName  func(dir string) string
	pathProvider pathutil.PathProvider
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewResolver ...
func NewResolver(
	provider FileProvider,
	bundler Bundler,
	archiveName func(dir string) string,
	pathProvider pathutil.PathProvider,
	pathChecker pathutil.PathChecker,
	logger log.Logger,
) Resolver {
	return Resolver{
		provider:     provider,
		bundler:      bundler,
		archiveName:  archiveName,
		pathProvider: pathProvider,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// Resolve returns the sources of args in argument order. A pattern without matches is an error, as
// is a missing path.
func (r Resolver) Resolve(ctx context.Context, args []string) ([]Source, error) {
	var sources []Source
	for _, arg := range args {
		if err := ctx.Err(); err != nil {
			return sources, err
		}

		if IsRemote(arg) {
			pth, temporary, err := r.provider.LocalPath(ctx, arg)
			if err != nil {
				return sources, fmt.Errorf("failed to download %s: %w", arg, err)
			}
			r.logger.Debugf("Downloaded %s to %s", arg, pth)
			sources = append(sources, Source{Arg: arg, Path: pth, Temporary: temporary})
			continue
		}

		paths, err := r.expand(ctx, arg)
		if err != nil {
			return sources, err
		}
		for _, pth := range paths {
			source, err := r.localSource(arg, pth)
			if err != nil {
				return sources, err
			}
			sources = append(sources, source)
		}
	}

	return sources, nil
}

func (r Resolver) expand(ctx context.Context, arg string) ([]string, error) {
	pth, _, err := r.provider.LocalPath(ctx, arg)
	if err != nil {
		return nil, err
	}
	if !hasMeta(pth) {
		return []string{pth}, nil
	}

	base, pattern := doublestar.SplitPattern(filepath.ToSlash(pth))
	matches, err := doublestar.Glob(os.DirFS(base), pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no match for pattern: %s", arg)
	}
	sort.Strings(matches)

	var paths []string
	for _, match := range matches {
		paths = append(paths, filepath.Join(base, match))
	}
	r.logger.Debugf("Pattern %s matched %d paths", arg, len(paths))

	return paths, nil
}

func (r Resolver) localSource(arg, pth string) (Source, error) {
	exists, err := r.pathChecker.IsPathExists(pth)
	if err != nil {
		return Source{}, err
	}
	if !exists {
		return Source{}, fmt.Errorf("path does not exist: %s", pth)
	}

	info, err := os.Stat(pth)
	if err != nil {
		return Source{}, err
	}
	if !info.IsDir() {
		return Source{Arg: arg, Path: pth}, nil
	}

	tmpDir, err := r.pathProvider.CreateTempDir("scan-upload-bundle")
	if err != nil {
		return Source{}, fmt.Errorf("failed to create temp directory: %w", err)
	}
	archivePath := filepath.Join(tmpDir, r.archiveName(pth))

	r.logger.Printf("Bundling %s", pth)
	if err := r.bundler.Bundle(pth, archivePath); err != nil {
		removeTempDir(tmpDir)
		return Source{}, fmt.Errorf("failed to bundle %s: %w", pth, err)
	}

	return Source{Arg: arg, Path: archivePath, Temporary: true}, nil
}

func hasMeta(pth string) bool {
	return strings.ContainsAny(pth, "*?[{")
}
