package api

import (
	"context"
	"errors"
	"fmt"
)

// Known project types. The archive layout differs between image projects and
// everything else, so the worker switches on this value.
const (
	ProjectImages             = "images"
	ProjectVideos             = "videos"
	ProjectVolumes            = "volumes"
	ProjectPointClouds        = "point_clouds"
	ProjectPointCloudEpisodes = "point_cloud_episodes"
)

var ErrUnknownProjectType = errors.New("unknown project type")

// BackupArchive carries the cold-storage shared links of an archived project.
type BackupArchive struct {
	URL            string `json:"url"`
	AnnotationsURL string `json:"annotationsUrl"`
}

type ProjectInfo struct {
	ID            int            `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	WorkspaceID   int            `json:"workspaceId"`
	BackupArchive *BackupArchive `json:"backupArchive"`
}

type WorkspaceInfo struct {
	ID     int `json:"id"`
	TeamID int `json:"teamId"`
}

// IsKnownProjectType reports whether the worker can restore this type.
func IsKnownProjectType(t string) bool {
	switch t {
	case ProjectImages, ProjectVideos, ProjectVolumes, ProjectPointClouds, ProjectPointCloudEpisodes:
		return true
	default:
		return false
	}
}

// GetProjectInfo fetches an archived project's record, including its backup
// archive links.
func (c *Client) GetProjectInfo(ctx context.Context, id int) (*ProjectInfo, error) {
	var info ProjectInfo

	err := c.post(ctx, "projects.info", map[string]interface{}{"id": id}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}

	if !IsKnownProjectType(info.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProjectType, info.Type)
	}

	return &info, nil
}

// GetWorkspaceInfo fetches a workspace record; its team id scopes team-files
// uploads.
func (c *Client) GetWorkspaceInfo(ctx context.Context, id int) (*WorkspaceInfo, error) {
	var info WorkspaceInfo

	err := c.post(ctx, "workspaces.info", map[string]interface{}{"id": id}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace %d: %w", id, err)
	}

	return &info, nil
}

// CreateProject creates an empty project in the workspace. The platform
// appends a numeric suffix on name clashes when changeNameIfConflict is set.
func (c *Client) CreateProject(ctx context.Context, workspaceID int, name, projectType string) (*ProjectInfo, error) {
	var info ProjectInfo

	err := c.post(ctx, "projects.add", map[string]interface{}{
		"workspaceId":          workspaceID,
		"name":                 name,
		"type":                 projectType,
		"changeNameIfConflict": true,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to create project %q: %w", name, err)
	}

	return &info, nil
}

// UpdateProjectMeta pushes the project meta (classes and tag metas) as raw
// JSON, exactly as stored in the project's meta.json.
func (c *Client) UpdateProjectMeta(ctx context.Context, projectID int, meta interface{}) error {
	err := c.post(ctx, "projects.meta.update", map[string]interface{}{
		"id":   projectID,
		"meta": meta,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to update meta of project %d: %w", projectID, err)
	}

	return nil
}

type DatasetInfo struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	ProjectID int    `json:"projectId"`
}

// CreateDataset creates a dataset inside a project.
func (c *Client) CreateDataset(ctx context.Context, projectID int, name string) (*DatasetInfo, error) {
	var info DatasetInfo

	err := c.post(ctx, "datasets.add", map[string]interface{}{
		"projectId":            projectID,
		"name":                 name,
		"changeNameIfConflict": true,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset %q: %w", name, err)
	}

	return &info, nil
}
