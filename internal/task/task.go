package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/api"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/config"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/progress"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/repository"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/status"
)

const troubleshootingLink = "https://ecosystem.supervisely.com/apps/restore-archived-project?id=283#troubleshooting"

const (
	inactivityTitle = "The access to your project backup has expired due to inactivity."
	recoveryLink    = "https://docs.supervisely.com/data-organization/storage/archive"
)

var ErrAlreadyStarted = errors.New("task already started")

// PlatformClient is the slice of the platform API the worker needs.
type PlatformClient interface {
	GetProjectInfo(ctx context.Context, id int) (*api.ProjectInfo, error)
	GetWorkspaceInfo(ctx context.Context, id int) (*api.WorkspaceInfo, error)
	DownloadImagesByHash(ctx context.Context, hashes, paths []string) error
	UploadTeamFile(ctx context.Context, teamID int, localPath, remotePath string, onProgress func(int64)) (*api.FileInfo, error)
	SetTaskOutputArchive(ctx context.Context, taskID, fileID int, title string) error
	SetTaskOutputText(ctx context.Context, taskID int, card api.OutputCard) error
	CreateProject(ctx context.Context, workspaceID int, name, projectType string) (*api.ProjectInfo, error)
	UpdateProjectMeta(ctx context.Context, projectID int, meta interface{}) error
	CreateDataset(ctx context.Context, projectID int, name string) (*api.DatasetInfo, error)
	UploadItem(ctx context.Context, projectType string, datasetID int, name, path string) (*api.ItemInfo, error)
	AddItemAnnotation(ctx context.Context, projectType string, itemID int, annotation interface{}) error
}

// Worker runs one restore task end to end.
type Worker struct {
	id         uuid.UUID
	env        config.Env
	tunables   config.Tunables
	client     PlatformClient
	downloader *backup.Downloader
	repo       *repository.BboltRepository

	started  atomic.Bool
	finished atomic.Bool
	Status   status.Status

	done     chan error
	cancel   context.CancelFunc
	cancelMu sync.Mutex

	phaseMu sync.RWMutex
	phase   string
	tracker *progress.Tracker

	repoMu      sync.Mutex
	lastSave    string
	projectName string
	projectType string
}

func New(env config.Env, tunables config.Tunables, client PlatformClient, downloader *backup.Downloader, repo *repository.BboltRepository) *Worker {
	return &Worker{
		id:         uuid.New(),
		env:        env,
		tunables:   tunables,
		client:     client,
		downloader: downloader,
		repo:       repo,
		Status:     status.Pending,
		done:       make(chan error, 1),
	}
}

// GetID returns the worker's run id.
func (w *Worker) GetID() uuid.UUID {
	return w.id
}

// GetStatus returns the current task status.
func (w *Worker) GetStatus() status.Status {
	return atomic.LoadInt32(&w.Status)
}

func (w *Worker) setStatus(s status.Status) {
	atomic.StoreInt32(&w.Status, s)
}

// Done delivers the task's terminal error (nil on success and on the
// inactivity warning).
func (w *Worker) Done() <-chan error {
	return w.done
}

// Progress returns the snapshot of the currently running phase.
func (w *Worker) Progress() (string, progress.Progress) {
	w.phaseMu.RLock()
	defer w.phaseMu.RUnlock()

	if w.tracker == nil {
		return w.phase, progress.Progress{}
	}

	return w.phase, w.tracker.Snapshot()
}

func (w *Worker) setPhase(phase string, tracker *progress.Tracker) {
	w.phaseMu.Lock()
	defer w.phaseMu.Unlock()

	w.phase = phase
	w.tracker = tracker
}

// Start launches the restore pipeline in the background.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	w.setStatus(status.Active)

	runCtx, cancel := context.WithCancel(ctx)
	w.setCancel(cancel)

	go w.logProgress(runCtx)
	go w.heartbeat(runCtx)
	go w.run(runCtx)

	return nil
}

// Cancel aborts the task.
func (w *Worker) Cancel() error {
	if status.IsTerminal(w.GetStatus()) {
		return nil
	}

	w.setStatus(status.Cancelled)

	if cancel := w.getCancel(); cancel != nil {
		cancel()
	}

	return nil
}

func (w *Worker) setCancel(cancel context.CancelFunc) {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()

	w.cancel = cancel
}

func (w *Worker) getCancel() context.CancelFunc {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()

	return w.cancel
}

func (w *Worker) logProgress(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			phase, snap := w.Progress()
			if phase == "" || snap.TotalSize <= 0 && snap.Done <= 0 {
				continue
			}

			logger.Infof("%s: %s", phase, snap)
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	w.finish(w.runSteps(ctx))
}

func (w *Worker) finish(err error) {
	if !w.finished.CompareAndSwap(false, true) {
		return
	}

	defer func() {
		if cancel := w.getCancel(); cancel != nil {
			cancel()
		}

		select {
		case w.done <- err:
		default:
		}
	}()

	switch {
	case err == nil:
		w.setStatus(status.Completed)
		w.checkpoint(stepDone)

		if w.repo != nil {
			if delErr := w.repo.Delete(w.env.TaskID); delErr != nil && !errors.Is(delErr, repository.ErrTaskNotFound) {
				logger.Errorf("Failed to drop task checkpoint: %v", delErr)
			}
		}

	case errors.Is(err, backup.ErrInactive):
		w.setStatus(status.Warned)
		logger.Warnf("Downloading has failed: data access expired due to inactivity.")

		// Detached context: the run context is about to be cancelled.
		cardCtx, cardCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cardCancel()

		cardErr := w.client.SetTaskOutputText(cardCtx, w.env.TaskID, api.OutputCard{
			Title:           inactivityTitle,
			Description:     "More info: " + recoveryLink,
			ZmdiIcon:        "zmdi-alert-triangle",
			IconColor:       "#f5a040",
			BackgroundColor: "#ffdeb9",
		})
		if cardErr != nil {
			logger.Errorf("Failed to set inactivity output: %v", cardErr)
		}

		err = nil

	case errors.Is(err, context.Canceled):
		w.setStatus(status.Cancelled)

	default:
		w.setStatus(status.Failed)
		err = fmt.Errorf("something went wrong, read the Troubleshooting Instructions: %s. If this does not help, please contact us. (%w)", troubleshootingLink, err)
	}
}

// heartbeat re-saves the checkpoint record on an interval so its timestamp
// reflects that the task is still alive.
func (w *Worker) heartbeat(ctx context.Context) {
	if w.repo == nil || w.tunables.CheckpointInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.tunables.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.repoMu.Lock()

			if !w.finished.Load() {
				w.saveCheckpoint(w.lastSave)
			}

			w.repoMu.Unlock()
		}
	}
}

// checkpoint records the last completed step so a re-launched task with the
// same id can pick up from there.
func (w *Worker) checkpoint(step string) {
	w.repoMu.Lock()
	defer w.repoMu.Unlock()

	w.lastSave = step
	w.saveCheckpoint(step)
}

func (w *Worker) saveCheckpoint(step string) {
	if w.repo == nil {
		return
	}

	record := &repository.TaskRecord{
		TaskID:       w.env.TaskID,
		ProjectID:    w.env.ProjectID,
		ProjectName:  w.projectName,
		ProjectType:  w.projectType,
		DownloadMode: w.env.DownloadMode,
		Step:         step,
		Status:       w.GetStatus(),
	}

	if err := w.repo.Save(record); err != nil {
		logger.Errorf("Failed to save task checkpoint: %v", err)
	}
}

// lastStep loads the previously reached step for this task, if any.
func (w *Worker) lastStep() string {
	if w.repo == nil {
		return ""
	}

	record, err := w.repo.Find(w.env.TaskID)
	if err != nil {
		if !errors.Is(err, repository.ErrTaskNotFound) {
			logger.Errorf("Failed to load task checkpoint: %v", err)
		}

		return ""
	}

	if record.ProjectID != w.env.ProjectID || record.DownloadMode != w.env.DownloadMode {
		// Same task id reused for different parameters; start clean.
		return ""
	}

	return record.Step
}

func removeAllLogged(path string) {
	if err := os.RemoveAll(path); err != nil {
		logger.Errorf("Failed to remove %s: %v", path, err)
	}
}
