package project

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/api"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
)

const copyConcurrency = 4

// ImageFetcher re-downloads blobs the archive does not contain.
type ImageFetcher interface {
	DownloadImagesByHash(ctx context.Context, hashes, paths []string) error
}

type missedHash struct {
	name string
	hash string
}

// RebuildLayout turns the flat blob dump plus the hash map manifest into a
// dataset layout: every image lands at <dataset>/img/<name> under
// projectDir. Hashes missing from the blobs are fetched from the platform;
// hashes the platform no longer has are skipped with a warning.
func RebuildLayout(ctx context.Context, paths Paths, fetcher ImageFetcher, hashTolerance int) error {
	hm, err := LoadHashMap(paths.HashMapPath)
	if err != nil {
		return err
	}

	filenames, err := BlobFilenames(paths.TempFilesDir)
	if err != nil {
		return err
	}

	reverse := ReverseMapping(filenames)

	for _, dataset := range hm.Datasets {
		err := rebuildDataset(ctx, dataset, paths, reverse, fetcher, hashTolerance)
		if err != nil {
			return err
		}
	}

	Cleanup(paths)

	return nil
}

func rebuildDataset(ctx context.Context, dataset DatasetImages, paths Paths, reverse map[string]string, fetcher ImageFetcher, hashTolerance int) error {
	destDir := filepath.Join(paths.ProjectDir, dataset.Name, imgDirName)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	var (
		missed  []missedHash
		g, gCtx = errgroup.WithContext(ctx)
	)

	g.SetLimit(copyConcurrency)

	for _, img := range dataset.Images {
		src, ok := BlobPath(img.Hash, paths.TempFilesDir, reverse)
		if !ok {
			missed = append(missed, missedHash{name: img.Name, hash: img.Hash})
			continue
		}

		dst := filepath.Join(destDir, img.Name)

		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			return copyBlob(src, dst)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(missed) == 0 {
		return nil
	}

	return fetchMissedHashes(ctx, missed, destDir, dataset.Name, fetcher, hashTolerance)
}

// fetchMissedHashes asks the platform for blobs the archive lacked. The
// platform's "Hashes not found" answer prunes the request; other errors are
// retried up to the tolerance, then the dataset's leftovers are skipped.
func fetchMissedHashes(ctx context.Context, missed []missedHash, destDir, datasetName string, fetcher ImageFetcher, tolerance int) error {
	logger.Warnf("%d files of dataset %q are missing from the backup, requesting them from the platform", len(missed), datasetName)

	hashes := make([]string, 0, len(missed))
	paths := make([]string, 0, len(missed))

	for _, m := range missed {
		hashes = append(hashes, m.hash)
		paths = append(paths, filepath.Join(destDir, m.name))
	}

	errorCount := 0

	for len(hashes) > 0 {
		if errorCount >= tolerance {
			logger.Warnf("Skipping retries for dataset %q", datasetName)
			return nil
		}

		err := fetcher.DownloadImagesByHash(ctx, hashes, paths)
		if err == nil {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		errorCount++

		if notFound, ok := api.HashesNotFound(err); ok {
			logger.Warnf("Skipping files with unknown hashes for dataset %q", datasetName)

			hashes, paths = pruneHashes(hashes, paths, notFound)

			continue
		}

		logger.Warnf("Failed to fetch missing files for dataset %q: %v", datasetName, err)
	}

	return nil
}

func pruneHashes(hashes, paths, drop []string) ([]string, []string) {
	dropSet := make(map[string]struct{}, len(drop))
	for _, h := range drop {
		dropSet[h] = struct{}{}
	}

	keptHashes := hashes[:0]
	keptPaths := paths[:0]

	for i, h := range hashes {
		if _, ok := dropSet[h]; ok {
			continue
		}

		keptHashes = append(keptHashes, h)
		keptPaths = append(keptPaths, paths[i])
	}

	return keptHashes, keptPaths
}

func copyBlob(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("failed to copy blob to %s: %w", dst, err)
	}

	return nil
}
