package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/annotation"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/api"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/project"
)

const uploadConcurrency = 4

// importProject uploads the rebuilt project dir back into the workspace
// under the <id>_<name> working name.
func (w *Worker) importProject(ctx context.Context, info *api.ProjectInfo, paths project.Paths) error {
	projectName := filepath.Base(paths.ProjectDir)
	logger.Infof("Uploading project with name [%s] to instance", projectName)

	created, err := w.client.CreateProject(ctx, info.WorkspaceID, projectName, info.Type)
	if err != nil {
		return err
	}

	metaRaw, err := os.ReadFile(filepath.Join(paths.ProjectDir, annotation.MetaFileName))
	if err != nil {
		return fmt.Errorf("failed to read project meta: %w", err)
	}

	if err := w.client.UpdateProjectMeta(ctx, created.ID, json.RawMessage(metaRaw)); err != nil {
		return err
	}

	datasets, err := project.Datasets(paths.ProjectDir)
	if err != nil {
		return err
	}

	for _, datasetName := range datasets {
		err := w.importDataset(ctx, info.Type, created.ID, paths.ProjectDir, datasetName)
		if err != nil {
			return err
		}
	}

	removeAllLogged(paths.ProjectDir)
	logger.Infof("Project successfully restored as [%s]", projectName)

	return nil
}

func (w *Worker) importDataset(ctx context.Context, projectType string, projectID int, projectDir, datasetName string) error {
	dataset, err := w.client.CreateDataset(ctx, projectID, datasetName)
	if err != nil {
		return err
	}

	itemsDir := filepath.Join(projectDir, datasetName, api.ItemDirName(projectType))
	annDir := filepath.Join(projectDir, datasetName, "ann")

	entries, err := os.ReadDir(itemsDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", itemsDir, err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		name := entry.Name()

		g.Go(func() error {
			item, err := w.client.UploadItem(gCtx, projectType, dataset.ID, name, filepath.Join(itemsDir, name))
			if err != nil {
				return err
			}

			annPath := filepath.Join(annDir, name+".json")

			annRaw, err := os.ReadFile(annPath)
			if err != nil {
				if os.IsNotExist(err) {
					logger.Debugf("No annotation for %s, skipping", name)
					return nil
				}

				return fmt.Errorf("failed to read annotation %s: %w", annPath, err)
			}

			return w.client.AddItemAnnotation(gCtx, projectType, item.ID, json.RawMessage(annRaw))
		})
	}

	return g.Wait()
}
