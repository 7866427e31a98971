package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/annotation"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/api"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/archive"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/progress"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/project"
)

// Step names, in pipeline order. A checkpoint stores the last completed one.
const (
	stepNone       = ""
	stepDownloaded = "downloaded"
	stepExtracted  = "extracted"
	stepRebuilt    = "rebuilt"
	stepSanitized  = "sanitized"
	stepPacked     = "packed"
	stepDone       = "done"
)

var stepOrder = map[string]int{
	stepNone:       0,
	stepDownloaded: 1,
	stepExtracted:  2,
	stepRebuilt:    3,
	stepSanitized:  4,
	stepPacked:     5,
	stepDone:       6,
}

var ErrNoBackupArchive = errors.New("project has no backup archive to restore from")

func stepReached(last, step string) bool {
	return stepOrder[last] >= stepOrder[step]
}

func (w *Worker) runSteps(ctx context.Context) error {
	info, err := w.client.GetProjectInfo(ctx, w.env.ProjectID)
	if err != nil {
		return err
	}

	logger.Infof("Restoring project %d (%s, type %s)", info.ID, info.Name, info.Type)

	w.repoMu.Lock()
	w.projectName = info.Name
	w.projectType = info.Type
	w.repoMu.Unlock()

	paths := project.NewPaths(w.env.DataDir, info.ID, info.Name)

	if err := os.MkdirAll(paths.ProjectDir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	last := w.lastStep()
	if last != stepNone {
		logger.Infof("Resuming task %d from step %q", w.env.TaskID, last)
	}

	if !stepReached(last, stepDownloaded) {
		if err := w.downloadBackup(ctx, info, paths); err != nil {
			return err
		}

		w.checkpoint(stepDownloaded)
	}

	if !stepReached(last, stepExtracted) {
		tracker := progress.NewTracker(0)
		w.setPhase("Extracting files", tracker)

		if err := archive.ExtractArchive(ctx, paths.FilesArchive, paths.TempFilesDir, tracker); err != nil {
			return err
		}

		w.checkpoint(stepExtracted)
	}

	if !stepReached(last, stepRebuilt) {
		if err := w.rebuild(ctx, info, paths); err != nil {
			return err
		}

		w.checkpoint(stepRebuilt)
	}

	if !stepReached(last, stepSanitized) {
		if info.Type == api.ProjectImages {
			if err := annotation.SanitizeImagesProject(paths.ProjectDir); err != nil {
				return err
			}
		}

		w.checkpoint(stepSanitized)
	}

	if w.env.DownloadMode {
		return w.packAndUpload(ctx, info, paths, last)
	}

	return w.importProject(ctx, info, paths)
}

// downloadBackup fetches the files archive and, when present, the
// annotations archive, concurrently.
func (w *Worker) downloadBackup(ctx context.Context, info *api.ProjectInfo, paths project.Paths) error {
	if info.BackupArchive == nil || info.BackupArchive.URL == "" {
		return ErrNoBackupArchive
	}

	filesTracker := progress.NewTracker(0)
	w.setPhase("Downloading backup files", filesTracker)

	g, gCtx := errgroup.WithContext(ctx)

	if w.tunables.ArchiveConnections > 0 {
		g.SetLimit(w.tunables.ArchiveConnections)
	}

	g.Go(func() error {
		return w.downloader.Fetch(gCtx, info.BackupArchive.URL, paths.FilesArchive, "files", filesTracker)
	})

	if info.BackupArchive.AnnotationsURL != "" {
		g.Go(func() error {
			return w.downloader.Fetch(gCtx, info.BackupArchive.AnnotationsURL, paths.AnnArchive, "annotations", progress.NewTracker(0))
		})
	}

	return g.Wait()
}

func (w *Worker) rebuild(ctx context.Context, info *api.ProjectInfo, paths project.Paths) error {
	if info.Type != api.ProjectImages {
		return project.MoveToProjectDir(paths.TempFilesDir, paths.ProjectDir)
	}

	// The project record decides the archive format: the annotations
	// archive file itself is gone once extracted, so a relaunch cannot
	// rely on it being present.
	if info.BackupArchive == nil || info.BackupArchive.AnnotationsURL == "" {
		logger.Debugf("Attempting to restore images project with an old archive format")

		if err := project.ValidateOldFormat(paths.TempFilesDir); err != nil {
			return err
		}

		return project.MoveToProjectDir(paths.TempFilesDir, paths.ProjectDir)
	}

	if _, err := os.Stat(paths.AnnArchive); err == nil {
		tracker := progress.NewTracker(0)
		w.setPhase("Extracting annotations", tracker)

		if err := archive.ExtractArchive(ctx, paths.AnnArchive, paths.ProjectDir, tracker); err != nil {
			return err
		}
	}

	w.setPhase("Rebuilding project layout", nil)

	return project.RebuildLayout(ctx, paths, w.client, w.tunables.MissedHashTolerance)
}

// packAndUpload produces the downloadable tar and surfaces it as the task
// output. The project directory is dropped only once the tar is complete
// and checkpointed, so a relaunch after a failed upload retries from the
// tar instead of re-packing.
func (w *Worker) packAndUpload(ctx context.Context, info *api.ProjectInfo, paths project.Paths, last string) error {
	tarName := project.DirName(info.ID, info.Name) + ".tar"
	tarPath := filepath.Join(w.env.DataDir, tarName)

	if !stepReached(last, stepPacked) {
		if err := archive.CheckDiskSpace(paths.ProjectDir, w.env.DataDir); err != nil {
			return err
		}

		tracker := progress.NewTracker(0)
		w.setPhase("Packing "+tarName, tracker)

		if err := archive.Pack(ctx, paths.ProjectDir, tarPath, tracker); err != nil {
			return err
		}

		w.checkpoint(stepPacked)
		removeAllLogged(paths.ProjectDir)
	}

	workspace, err := w.client.GetWorkspaceInfo(ctx, info.WorkspaceID)
	if err != nil {
		return err
	}

	remotePath := fmt.Sprintf("/tmp/supervisely/export/restore-archived-project/%d_%s", w.env.TaskID, tarName)

	uploadTracker := progress.NewTracker(0)
	if size, err := archive.SourceSize(tarPath); err == nil {
		uploadTracker.SetTotal(size)
	}

	w.setPhase("Uploading "+tarName, uploadTracker)

	fileInfo, err := w.client.UploadTeamFile(ctx, workspace.TeamID, tarPath, remotePath, func(sent int64) {
		uploadTracker.SetDone(sent)
	})
	if err != nil {
		return err
	}

	if err := os.Remove(tarPath); err != nil {
		logger.Errorf("Failed to remove %s: %v", tarPath, err)
	}

	if err := w.client.SetTaskOutputArchive(ctx, w.env.TaskID, fileInfo.ID, tarName); err != nil {
		return err
	}

	removeAllLogged(paths.ProjectDir)

	logger.Infof("Archive %s is ready for download", tarName)

	return nil
}
