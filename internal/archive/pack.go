package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/progress"
)

// Pack writes the contents of dir into a tar archive at tarPath. Entry names
// are relative to dir so extraction recreates the project layout in place.
func Pack(ctx context.Context, dir, tarPath string, tracker *progress.Tracker) error {
	if tracker != nil {
		if total, err := SourceSize(dir); err == nil {
			tracker.SetTotal(total)
		}
	}

	out, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tarPath, err)
	}

	bufWriter := bufio.NewWriterSize(out, 4*1024*1024) // 4MB buffer
	tw := tar.NewWriter(bufWriter)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}

		n, err := io.Copy(tw, f)
		f.Close()

		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}

		if tracker != nil {
			tracker.Add(n)
		}

		return nil
	})

	if err := tw.Close(); walkErr == nil {
		walkErr = err
	}

	if err := bufWriter.Flush(); walkErr == nil {
		walkErr = err
	}

	if err := out.Close(); walkErr == nil {
		walkErr = err
	}

	if walkErr != nil {
		os.Remove(tarPath)
		return walkErr
	}

	return nil
}
