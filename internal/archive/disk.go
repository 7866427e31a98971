package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
)

var ErrNotEnoughDiskSpace = errors.New("not enough disk space")

// FreeSpace returns the free bytes of the filesystem holding dir.
func FreeSpace(dir string) (int64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", dir, err)
	}

	return int64(stat.Bavail) * stat.Bsize, nil
}

// SourceSize returns the byte size of a file, or the cumulative size of all
// regular files under a directory.
func SourceSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64

	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}

			total += fi.Size()
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

// CheckDiskSpace verifies that processing source into destDir's filesystem
// will fit, assuming the result is at most as large as the source.
func CheckDiskSpace(source, destDir string) error {
	required, err := SourceSize(source)
	if err != nil {
		return fmt.Errorf("failed to size %s: %w", source, err)
	}

	if destDir == "" {
		destDir = "."
	}

	// destDir may not exist yet, check the closest existing ancestor.
	for {
		if _, err := os.Stat(destDir); err == nil {
			break
		}

		parent := filepath.Dir(destDir)
		if parent == destDir {
			break
		}

		destDir = parent
	}

	free, err := FreeSpace(destDir)
	if err != nil {
		return err
	}

	logger.Debugf("Free space: %s, required: %s", humanize.IBytes(uint64(free)), humanize.IBytes(uint64(required)))

	if free <= required {
		return fmt.Errorf("%w: need %s, have %s", ErrNotEnoughDiskSpace,
			humanize.IBytes(uint64(required)), humanize.IBytes(uint64(free)))
	}

	return nil
}
