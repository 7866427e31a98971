package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/progress"
)

var ErrPathTraversal = errors.New("archive entry escapes extraction directory")

// ExtractArchive sniffs archivePath, extracts it into extractDir, removes
// the archive, and reassembles split tar parts if extraction produced any.
// The tracker, if non-nil, receives extracted byte counts.
func ExtractArchive(ctx context.Context, archivePath, extractDir string, tracker *progress.Tracker) error {
	if err := CheckDiskSpace(archivePath, extractDir); err != nil {
		return err
	}

	kind, err := Sniff(archivePath)
	if err != nil {
		return err
	}

	logger.Infof("Extracting %s (%s), please wait ...", filepath.Base(archivePath), kind)

	switch kind {
	case KindTar:
		err = ExtractTar(ctx, archivePath, extractDir, tracker)
	case KindZip:
		err = ExtractZip(ctx, archivePath, extractDir, tracker)
	default:
		err = ErrUnsupportedArchive
	}

	if err != nil {
		return err
	}

	if err := os.Remove(archivePath); err != nil {
		logger.Warnf("Failed to remove extracted archive %s: %v", archivePath, err)
	}

	parts, err := ListTarParts(extractDir)
	if err != nil {
		return err
	}

	if len(parts) == 0 {
		return nil
	}

	logger.Infof("Reassembling %d split archive parts", len(parts))

	combined, err := CombineParts(parts, extractDir)
	if err != nil {
		return err
	}

	if err := ExtractTar(ctx, combined, extractDir, tracker); err != nil {
		return err
	}

	return os.Remove(combined)
}

// ExtractTar unpacks a tar archive into extractDir.
func ExtractTar(ctx context.Context, archivePath, extractDir string, tracker *progress.Tracker) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	defer f.Close()

	if tracker != nil {
		if total, err := tarContentSize(archivePath); err == nil {
			tracker.SetTotal(total)
		}
	}

	tr := tar.NewReader(f)

	var extracted int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := securePath(extractDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, header.Size, tracker); err != nil {
				return err
			}

			extracted += header.Size
		default:
			logger.Debugf("Skipping tar entry %s with type %d", header.Name, header.Typeflag)
		}
	}

	logger.Debugf("Extracted %s from %s", humanize.IBytes(uint64(extracted)), filepath.Base(archivePath))

	return nil
}

// ExtractZip unpacks a zip archive into extractDir.
func ExtractZip(ctx context.Context, archivePath, extractDir string, tracker *progress.Tracker) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	defer zr.Close()

	if tracker != nil {
		var total int64
		for _, f := range zr.File {
			total += int64(f.UncompressedSize64)
		}

		tracker.SetTotal(total)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := securePath(extractDir, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}

			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", zf.Name, err)
		}

		err = writeEntry(target, rc, int64(zf.UncompressedSize64), tracker)
		rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func writeEntry(target string, r io.Reader, size int64, tracker *progress.Tracker) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	_, err = io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	if tracker != nil {
		tracker.Add(size)
	}

	return nil
}

func securePath(extractDir, name string) (string, error) {
	target := filepath.Join(extractDir, filepath.Clean(name))

	if !strings.HasPrefix(target, filepath.Clean(extractDir)+string(os.PathSeparator)) &&
		target != filepath.Clean(extractDir) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}

	return target, nil
}

func tarContentSize(archivePath string) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tr := tar.NewReader(f)

	var total int64

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}

		if err != nil {
			return 0, err
		}

		total += header.Size
	}
}
