package task

import (
	"archive/tar"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/api"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/config"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/project"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/repository"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/status"
	"github.com/supervisely-ecosystem/restore-archived-project/pkg/httpx"
)

// fakePlatform scripts the platform API and records what the worker did.
type fakePlatform struct {
	mu sync.Mutex

	info    *api.ProjectInfo
	infoErr error

	uploadFailures int

	uploadedFiles   []string
	remotePaths     []string
	uploadedEntries [][]string
	outputArchives  []string
	outputCards     []api.OutputCard
	createdProjects []string
	createdDatasets []string
	uploadedItems   []string
	annotatedItems  []int
}

func (f *fakePlatform) GetProjectInfo(_ context.Context, _ int) (*api.ProjectInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}

	return f.info, nil
}

func (f *fakePlatform) GetWorkspaceInfo(_ context.Context, id int) (*api.WorkspaceInfo, error) {
	return &api.WorkspaceInfo{ID: id, TeamID: 9}, nil
}

func (f *fakePlatform) DownloadImagesByHash(_ context.Context, _, paths []string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}

		if err := os.WriteFile(p, []byte("fetched"), 0o644); err != nil {
			return err
		}
	}

	return nil
}

func (f *fakePlatform) UploadTeamFile(_ context.Context, _ int, localPath, remotePath string, onProgress func(int64)) (*api.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadFailures > 0 {
		f.uploadFailures--
		return nil, assert.AnError
	}

	f.uploadedFiles = append(f.uploadedFiles, localPath)
	f.remotePaths = append(f.remotePaths, remotePath)
	f.uploadedEntries = append(f.uploadedEntries, tarEntries(localPath))

	if onProgress != nil {
		onProgress(1)
	}

	return &api.FileInfo{ID: 12, Name: filepath.Base(remotePath)}, nil
}

// tarEntries lists the entry names of the tar at path.
func tarEntries(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var names []string

	tr := tar.NewReader(file)

	for {
		header, err := tr.Next()
		if err != nil {
			return names
		}

		names = append(names, header.Name)
	}
}

func (f *fakePlatform) SetTaskOutputArchive(_ context.Context, _, _ int, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outputArchives = append(f.outputArchives, title)

	return nil
}

func (f *fakePlatform) SetTaskOutputText(_ context.Context, _ int, card api.OutputCard) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outputCards = append(f.outputCards, card)

	return nil
}

func (f *fakePlatform) CreateProject(_ context.Context, _ int, name, projectType string) (*api.ProjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createdProjects = append(f.createdProjects, name)

	return &api.ProjectInfo{ID: 50, Name: name, Type: projectType}, nil
}

func (f *fakePlatform) UpdateProjectMeta(_ context.Context, _ int, _ interface{}) error {
	return nil
}

func (f *fakePlatform) CreateDataset(_ context.Context, _ int, name string) (*api.DatasetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createdDatasets = append(f.createdDatasets, name)

	return &api.DatasetInfo{ID: 60, Name: name}, nil
}

func (f *fakePlatform) UploadItem(_ context.Context, _ string, _ int, name, _ string) (*api.ItemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploadedItems = append(f.uploadedItems, name)

	return &api.ItemInfo{ID: 70, Name: name}, nil
}

func (f *fakePlatform) AddItemAnnotation(_ context.Context, _ string, itemID int, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.annotatedItems = append(f.annotatedItems, itemID)

	return nil
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf strings.Builder
	tw := tar.NewWriter(&buf)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))

		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())

	return []byte(buf.String())
}

// backupServer serves the files and annotations archives at /files and /ann.
func backupServer(t *testing.T, filesTar, annTar []byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		_, _ = w.Write(filesTar)
	})
	mux.HandleFunc("/ann", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		_, _ = w.Write(annTar)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func testEnv(t *testing.T, downloadMode bool) config.Env {
	t.Helper()

	return config.Env{
		TaskID:       100,
		ProjectID:    7,
		ServerAddr:   "http://unused.invalid",
		APIToken:     "token",
		DownloadMode: downloadMode,
		DataDir:      t.TempDir(),
	}
}

func fastTunables() config.Tunables {
	tunables := config.DefaultTunables()
	tunables.MaxRetries = 1
	tunables.GenericRetries = 1
	tunables.InitialTimeout = 2 * time.Second
	tunables.RetryShortDelay = time.Millisecond
	tunables.RetryLongDelay = time.Millisecond

	return tunables
}

func newTestWorker(t *testing.T, env config.Env, client PlatformClient) *Worker {
	t.Helper()

	return newTestWorkerWithRepo(env, client, newTestRepo(t))
}

func newTestRepo(t *testing.T) *repository.BboltRepository {
	t.Helper()

	repo, err := repository.NewBboltRepository(filepath.Join(t.TempDir(), "restore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newTestWorkerWithRepo(env config.Env, client PlatformClient, repo *repository.BboltRepository) *Worker {
	downloader := backup.NewDownloader(httpx.NewClient(), fastTunables())

	return New(env, fastTunables(), client, downloader, repo)
}

func waitDone(t *testing.T, w *Worker) error {
	t.Helper()

	select {
	case err := <-w.Done():
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("worker did not finish in time")
		return nil
	}
}

const testAnnJSON = `{
	"size": {"height": 5, "width": 5},
	"objects": [{"classTitle": "car", "points": {"exterior": [[0, 0]]}}],
	"tags": []
}`

func TestWorker_DownloadMode(t *testing.T) {
	filesTar := buildTar(t, map[string]string{
		"aGFzaA-a.png": "blob-a",
	})
	annTar := buildTar(t, map[string]string{
		"meta.json":          `{"classes": [{"title": "car", "shape": "rectangle"}], "tags": []}`,
		"hash_name_map.json": `{"datasets": [{"name": "ds1", "images": [{"name": "a.png", "hash": "aGFzaA/a.png"}]}]}`,
		"ds1/ann/a.png.json": testAnnJSON,
	})

	server := backupServer(t, filesTar, annTar)

	client := &fakePlatform{info: &api.ProjectInfo{
		ID:          7,
		Name:        "lemons",
		Type:        api.ProjectImages,
		WorkspaceID: 3,
		BackupArchive: &api.BackupArchive{
			URL:            server.URL + "/files?dl=0",
			AnnotationsURL: server.URL + "/ann?dl=0",
		},
	}}

	env := testEnv(t, true)
	w := newTestWorker(t, env, client)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, waitDone(t, w))

	assert.Equal(t, status.Completed, w.GetStatus())

	require.Len(t, client.remotePaths, 1)
	assert.Equal(t, "/tmp/supervisely/export/restore-archived-project/100_7_lemons.tar", client.remotePaths[0])

	require.Len(t, client.outputArchives, 1)
	assert.Equal(t, "7_lemons.tar", client.outputArchives[0])

	// Working directory and packed tar are cleaned up.
	assert.NoDirExists(t, filepath.Join(env.DataDir, "7_lemons"))
	assert.NoFileExists(t, filepath.Join(env.DataDir, "7_lemons.tar"))

	// The checkpoint is dropped once the task completes.
	_, err := w.repo.Find(env.TaskID)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestWorker_RetriesUploadFromPackedArchive(t *testing.T) {
	filesTar := buildTar(t, map[string]string{
		"aGFzaA-a.png": "blob-a",
	})
	annTar := buildTar(t, map[string]string{
		"meta.json":          `{"classes": [{"title": "car", "shape": "rectangle"}], "tags": []}`,
		"hash_name_map.json": `{"datasets": [{"name": "ds1", "images": [{"name": "a.png", "hash": "aGFzaA/a.png"}]}]}`,
		"ds1/ann/a.png.json": testAnnJSON,
	})

	server := backupServer(t, filesTar, annTar)

	client := &fakePlatform{
		uploadFailures: 1,
		info: &api.ProjectInfo{
			ID:          7,
			Name:        "lemons",
			Type:        api.ProjectImages,
			WorkspaceID: 3,
			BackupArchive: &api.BackupArchive{
				URL:            server.URL + "/files?dl=0",
				AnnotationsURL: server.URL + "/ann?dl=0",
			},
		},
	}

	env := testEnv(t, true)
	repo := newTestRepo(t)

	w := newTestWorkerWithRepo(env, client, repo)
	require.NoError(t, w.Start(context.Background()))
	require.Error(t, waitDone(t, w))
	assert.Equal(t, status.Failed, w.GetStatus())

	// The tar from the failed run survives and the checkpoint records it.
	tarPath := filepath.Join(env.DataDir, "7_lemons.tar")
	assert.FileExists(t, tarPath)

	record, err := repo.Find(env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, stepPacked, record.Step)

	// The relaunch uploads that tar instead of re-packing an empty dir.
	w = newTestWorkerWithRepo(env, client, repo)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, waitDone(t, w))
	assert.Equal(t, status.Completed, w.GetStatus())

	require.Len(t, client.uploadedEntries, 1)
	assert.Contains(t, client.uploadedEntries[0], "meta.json")
	assert.Contains(t, client.uploadedEntries[0], "ds1/img/a.png")

	assert.NoFileExists(t, tarPath)
	assert.NoDirExists(t, filepath.Join(env.DataDir, "7_lemons"))
}

func TestWorker_RebuildAfterAnnotationsExtracted(t *testing.T) {
	env := testEnv(t, true)
	w := newTestWorker(t, env, &fakePlatform{})

	info := &api.ProjectInfo{
		ID:   7,
		Name: "lemons",
		Type: api.ProjectImages,
		BackupArchive: &api.BackupArchive{
			URL:            "https://storage.invalid/files?dl=0",
			AnnotationsURL: "https://storage.invalid/ann?dl=0",
		},
	}

	// State left by a run that failed after extracting the annotations
	// archive: blobs and manifest are in place, the archive files are gone.
	paths := project.NewPaths(env.DataDir, info.ID, info.Name)
	require.NoError(t, os.MkdirAll(paths.TempFilesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.TempFilesDir, "aGFzaA-a.png"), []byte("blob-a"), 0o644))
	require.NoError(t, os.WriteFile(paths.HashMapPath,
		[]byte(`{"datasets": [{"name": "ds1", "images": [{"name": "a.png", "hash": "aGFzaA/a.png"}]}]}`), 0o644))

	require.NoError(t, w.rebuild(context.Background(), info, paths))

	// The layout is rebuilt from the manifest, not treated as an old-format
	// dump of raw blobs.
	assert.FileExists(t, filepath.Join(paths.ProjectDir, "ds1", "img", "a.png"))
	assert.NoFileExists(t, filepath.Join(paths.ProjectDir, "aGFzaA-a.png"))
}

func TestWorker_RestoreMode(t *testing.T) {
	filesTar := buildTar(t, map[string]string{
		"meta.json":            `{"classes": [], "tags": []}`,
		"ds1/video/v.mp4":      "video bytes",
		"ds1/ann/v.mp4.json":   `{"frames": []}`,
		"ds1/video/silent.mp4": "no annotation",
	})

	server := backupServer(t, filesTar, nil)

	client := &fakePlatform{info: &api.ProjectInfo{
		ID:          7,
		Name:        "clips",
		Type:        api.ProjectVideos,
		WorkspaceID: 3,
		BackupArchive: &api.BackupArchive{
			URL: server.URL + "/files?dl=0",
		},
	}}

	env := testEnv(t, false)
	w := newTestWorker(t, env, client)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, waitDone(t, w))

	assert.Equal(t, status.Completed, w.GetStatus())

	assert.Equal(t, []string{"7_clips"}, client.createdProjects)
	assert.Equal(t, []string{"ds1"}, client.createdDatasets)
	assert.ElementsMatch(t, []string{"v.mp4", "silent.mp4"}, client.uploadedItems)

	// Only the item with an annotation file got one attached.
	assert.Equal(t, []int{70}, client.annotatedItems)
}

func TestWorker_InactiveBackupWarns(t *testing.T) {
	// The storage provider answers with its HTML error page: access to the
	// backup expired.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>gone</html>"))
	}))
	t.Cleanup(server.Close)

	client := &fakePlatform{info: &api.ProjectInfo{
		ID:   7,
		Name: "lemons",
		Type: api.ProjectImages,
		BackupArchive: &api.BackupArchive{
			URL: server.URL + "?dl=0",
		},
	}}

	env := testEnv(t, true)
	w := newTestWorker(t, env, client)

	require.NoError(t, w.Start(context.Background()))

	// The warning is not an error: the task page explains the situation.
	require.NoError(t, waitDone(t, w))
	assert.Equal(t, status.Warned, w.GetStatus())

	require.Len(t, client.outputCards, 1)
	assert.Equal(t, inactivityTitle, client.outputCards[0].Title)
	assert.Equal(t, "zmdi-alert-triangle", client.outputCards[0].ZmdiIcon)
}

func TestWorker_NoBackupArchive(t *testing.T) {
	client := &fakePlatform{info: &api.ProjectInfo{
		ID:   7,
		Name: "lemons",
		Type: api.ProjectImages,
	}}

	w := newTestWorker(t, testEnv(t, true), client)

	require.NoError(t, w.Start(context.Background()))

	err := waitDone(t, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBackupArchive)
	assert.Contains(t, err.Error(), "Troubleshooting")
	assert.Equal(t, status.Failed, w.GetStatus())
}

func TestWorker_ProjectInfoFailure(t *testing.T) {
	client := &fakePlatform{infoErr: assert.AnError}

	w := newTestWorker(t, testEnv(t, true), client)

	require.NoError(t, w.Start(context.Background()))

	err := waitDone(t, w)
	require.Error(t, err)
	assert.Equal(t, status.Failed, w.GetStatus())
}

func TestWorker_ResumesFromCheckpoint(t *testing.T) {
	env := testEnv(t, false)

	client := &fakePlatform{info: &api.ProjectInfo{
		ID:   7,
		Name: "clips",
		Type: api.ProjectVideos,
	}}

	w := newTestWorker(t, env, client)

	// A previous run got through sanitize; the project dir is already built.
	require.NoError(t, w.repo.Save(&repository.TaskRecord{
		TaskID:    env.TaskID,
		ProjectID: env.ProjectID,
		Step:      stepSanitized,
	}))

	projectDir := filepath.Join(env.DataDir, "7_clips")
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "ds1", "video"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "ds1", "ann"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "meta.json"), []byte(`{"classes": [], "tags": []}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "ds1", "video", "v.mp4"), []byte("video"), 0o644))

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, waitDone(t, w))

	// No download happened (the project has no backup links), the import ran
	// straight from the checkpointed directory.
	assert.Equal(t, status.Completed, w.GetStatus())
	assert.Equal(t, []string{"7_clips"}, client.createdProjects)
	assert.Equal(t, []string{"v.mp4"}, client.uploadedItems)
}

func TestWorker_CheckpointIgnoredForOtherProject(t *testing.T) {
	env := testEnv(t, false)

	w := newTestWorker(t, env, &fakePlatform{})

	require.NoError(t, w.repo.Save(&repository.TaskRecord{
		TaskID:    env.TaskID,
		ProjectID: env.ProjectID + 1,
		Step:      stepSanitized,
	}))

	assert.Equal(t, stepNone, w.lastStep())
}

func TestWorker_StartTwice(t *testing.T) {
	client := &fakePlatform{infoErr: assert.AnError}
	w := newTestWorker(t, testEnv(t, true), client)

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)

	_ = waitDone(t, w)
}

func TestStepReached(t *testing.T) {
	assert.True(t, stepReached(stepSanitized, stepDownloaded))
	assert.True(t, stepReached(stepDownloaded, stepDownloaded))
	assert.False(t, stepReached(stepNone, stepDownloaded))
	assert.False(t, stepReached(stepDownloaded, stepRebuilt))
}
