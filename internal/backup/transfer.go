package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/archive"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/config"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/progress"
	"github.com/supervisely-ecosystem/restore-archived-project/pkg/httpx"
)

var (
	// ErrInactive means the cold-storage link kept failing across the whole
	// retry schedule: the backup's access has expired due to inactivity.
	ErrInactive = errors.New("backup access expired due to inactivity")

	ErrBadContentType = errors.New("unexpected content type for backup archive")
	ErrFileOpenFailed = errors.New("failed to open destination file")
)

// Shared links answer with one of these for actual archive bodies; anything
// else is the storage provider's HTML error page.
var archiveContentTypes = map[string]struct{}{
	"application/binary": {},
	"application/zip":    {},
	"application/x-tar":  {},
}

const readChunkSize = 8192

// Downloader fetches backup archives from cold-storage shared links with
// Range resume and a fixed retry schedule.
type Downloader struct {
	client   *httpx.Client
	tunables config.Tunables
}

func NewDownloader(client *httpx.Client, tunables config.Tunables) *Downloader {
	if client == nil {
		client = httpx.NewClient()
	}

	return &Downloader{client: client, tunables: tunables}
}

// Fetch downloads sharedLink into destPath, resuming from whatever is
// already there. Link failures are retried on a schedule that treats
// sustained failure as expired access (ErrInactive); any received byte
// resets the schedule.
func (d *Downloader) Fetch(ctx context.Context, sharedLink, destPath, label string, tracker *progress.Tracker) error {
	directLink := strings.Replace(sharedLink, "dl=0", "dl=1", 1)

	logger.Infof("Started downloading backup %s", label)

	if err := d.preflight(ctx, directLink, destPath, tracker); err != nil {
		return err
	}

	var (
		linkAttempt    int
		genericAttempt int
		totalKnown     bool
	)

	timeout := d.tunables.InitialTimeout

	for {
		err := d.fetchOnce(ctx, directLink, destPath, label, tracker, timeout, &linkAttempt, &totalKnown)
		if err == nil {
			logger.Debugf("%s downloaded successfully", label)
			return nil
		}

		if errors.Is(err, context.Canceled) {
			return err
		}

		if httpx.IsRetryable(err) || errors.Is(err, ErrBadContentType) {
			linkAttempt++

			if timeout < d.tunables.MaxTimeout {
				timeout += 10 * time.Second
			}

			if linkAttempt > d.tunables.MaxRetries {
				return ErrInactive
			}

			logger.Warnf("Downloading request error, please wait ... Retrying (%d/%d)", linkAttempt, d.tunables.MaxRetries)

			if err := sleepCtx(ctx, d.retryDelay(linkAttempt)); err != nil {
				return err
			}

			continue
		}

		genericAttempt++
		if genericAttempt > d.tunables.GenericRetries {
			return fmt.Errorf("downloading backup %s failed: %w", label, err)
		}

		logger.Warnf("Error: %v. Retrying (%d/%d)", err, genericAttempt, d.tunables.GenericRetries)
	}
}

// preflight asks the link for the archive size so the destination volume
// can be checked before the first byte arrives. Links that do not answer
// HEAD, or answer without a size, are left for the download itself.
func (d *Downloader) preflight(ctx context.Context, link, destPath string, tracker *progress.Tracker) error {
	resp, err := d.client.Head(ctx, link, nil)
	if err != nil {
		logger.Debugf("HEAD preflight for %s failed: %v", link, err)
		return nil
	}

	if err := resp.Body.Close(); err != nil {
		logger.Errorf("Failed to close preflight response body: %v", err)
	}

	total := resp.ContentLength
	if total <= 0 {
		return nil
	}

	free, err := archive.FreeSpace(filepath.Dir(destPath))
	if err == nil && free <= total {
		return fmt.Errorf("%w: need %s, have %s", archive.ErrNotEnoughDiskSpace,
			humanize.IBytes(uint64(total)), humanize.IBytes(uint64(free)))
	}

	if tracker != nil {
		tracker.SetTotal(total)
	}

	return nil
}

func (d *Downloader) fetchOnce(ctx context.Context, link, destPath, label string, tracker *progress.Tracker, timeout time.Duration, linkAttempt *int, totalKnown *bool) error {
	file, err := os.OpenFile(destPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileOpenFailed, err)
	}

	defer func() {
		if err := file.Close(); err != nil {
			logger.Errorf("Failed to close %s: %v", destPath, err)
		}
	}()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileOpenFailed, err)
	}

	resp, err := d.client.RangeFrom(ctx, link, offset, timeout, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Errorf("Failed to close response body for %s: %v", label, err)
		}
	}()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusPartialContent {
		if _, ok := archiveContentTypes[contentType]; !ok {
			logger.Warnf("Status code: %d, content type: %s.", resp.StatusCode, contentType)
			return ErrBadContentType
		}

		// Full body from the beginning: throw away the partial file.
		if offset > 0 {
			if err := file.Truncate(0); err != nil {
				return fmt.Errorf("%w: %w", ErrFileOpenFailed, err)
			}

			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("%w: %w", ErrFileOpenFailed, err)
			}

			offset = 0
		}
	}

	if tracker != nil && !*totalKnown {
		var total int64

		if resp.StatusCode == http.StatusPartialContent {
			if parsed, err := httpx.ParseContentRangeTotal(resp.Header.Get("Content-Range")); err == nil {
				total = parsed
			}
		}

		if total == 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}

		if total > 0 {
			tracker.SetTotal(total)
			tracker.SetDone(offset)
			*totalKnown = true

			logger.Infof("Downloading backup %s (%s)...", label, humanize.IBytes(uint64(total)))
		}
	}

	logger.Debugf("Connection established for %s (%s) at offset %s",
		label, httpx.GetFilename(resp), humanize.IBytes(uint64(offset)))

	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s: %w", destPath, err)
			}

			// Bytes arrived: the link is alive, restart the schedule.
			*linkAttempt = 0

			if tracker != nil {
				tracker.Add(int64(n))
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return httpx.ClassifyError(readErr)
		}
	}
}

// retryDelay is the schedule for link failures: short waits first, longer
// ones once the link looks unhealthy.
func (d *Downloader) retryDelay(attempt int) time.Duration {
	if attempt <= d.tunables.MaxRetries/2 {
		return d.tunables.RetryShortDelay
	}

	return d.tunables.RetryLongDelay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
