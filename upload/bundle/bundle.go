// Package bundle packs a directory into a single .tar.zst file so it can be uploaded as one target.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the directory name to form the archive name.
const Extension = ".tar.zst"

// DefaultCompressionLevel is the zstd level used by NewBundler.
const DefaultCompressionLevel = 3

// DependencyChecker reports whether the tar and zstd binaries are available.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks the binaries up on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	return c.checkDependency("tar") && c.checkDependency("zstd")
}

func (c *BinaryChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(c.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Bundler creates directory archives, with the installed binaries when possible.
type Bundler struct {
	logger  log.Logger
	envRepo env.Repository
	checker DependencyChecker
	level   int
}

// NewBundler ...
func NewBundler(logger log.Logger, envRepo env.Repository, checker DependencyChecker) *Bundler {
	return &Bundler{
		logger:  logger,
		envRepo: envRepo,
		checker: checker,
		level:   DefaultCompressionLevel,
	}
}

// ArchiveName returns the archive file name for a directory.
func ArchiveName(dir string) string {
	return filepath.Base(filepath.Clean(dir)) + Extension
}

// Bundle writes the contents of dir to archivePath. Entry names are relative to dir.
func (b *Bundler) Bundle(dir, archivePath string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bundle %s: not a directory", dir)
	}

	if !b.checker.CheckDependencies() {
		b.logger.Debugf("Falling back to native implementation of zstd.")
		if err := b.bundleWithGoLib(dir, archivePath); err != nil {
			return fmt.Errorf("bundle %s: %w", dir, err)
		}
		return nil
	}

	b.logger.Debugf("Using installed zstd binary")
	if err := b.bundleWithBinary(dir, archivePath); err != nil {
		return fmt.Errorf("bundle %s: %w", dir, err)
	}
	return nil
}

func (b *Bundler) bundleWithGoLib(dir, archivePath string) (err error) {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(archive, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(b.level)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	absArchive, _ := filepath.Abs(archivePath)
	root := filepath.Clean(dir)

	if err := filepath.WalkDir(root, func(file string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if abs, _ := filepath.Abs(file); abs == absArchive {
			return nil
		}

		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", file, err)
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = filepath.ToSlash(rel)
		if fi.IsDir() && !strings.HasSuffix(header.Name, "/") {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}

		// nothing more to do for non-regular files or directories
		if !fi.Mode().IsRegular() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.Copy(tw, data); err != nil {
			_ = data.Close()
			return fmt.Errorf("copy %s: %w", file, err)
		}
		return data.Close()
	}); err != nil {
		return fmt.Errorf("iterate on files: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func (b *Bundler) bundleWithBinary(dir, archivePath string) error {
	cmdFactory := command.NewFactory(b.envRepo)

	absArchive, err := filepath.Abs(archivePath)
	if err != nil {
		return err
	}

	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-c: Create archive
		-f: Output file
		-C: Change to the bundled directory so entry names are relative to it
	*/
	tarArgs := []string{
		"--use-compress-program", fmt.Sprintf("zstd -%d --threads=0", b.level),
		"-c",
		"-f", absArchive,
		"-C", dir,
		".",
	}

	cmd := cmdFactory.Create("tar", tarArgs, nil)
	b.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}
