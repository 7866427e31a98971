package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
)

// ItemInfo is an uploaded dataset entity (image, video, volume, point
// cloud).
type ItemInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// ItemDirName is the subdirectory datasets keep their entities in, per
// project type.
func ItemDirName(projectType string) string {
	switch projectType {
	case ProjectVideos:
		return "video"
	case ProjectVolumes:
		return "volume"
	case ProjectPointClouds, ProjectPointCloudEpisodes:
		return "pointcloud"
	default:
		return "img"
	}
}

func uploadEndpoint(projectType string) (string, error) {
	switch projectType {
	case ProjectImages:
		return "images.bulk.upload", nil
	case ProjectVideos:
		return "videos.bulk.upload", nil
	case ProjectVolumes:
		return "volumes.bulk.upload", nil
	case ProjectPointClouds, ProjectPointCloudEpisodes:
		return "point-clouds.bulk.upload", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProjectType, projectType)
	}
}

func annotationEndpoint(projectType string) (string, error) {
	switch projectType {
	case ProjectImages:
		return "annotations.add", nil
	case ProjectVideos:
		return "videos.annotations.add", nil
	case ProjectVolumes:
		return "volumes.annotations.add", nil
	case ProjectPointClouds, ProjectPointCloudEpisodes:
		return "point-clouds.annotations.add", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProjectType, projectType)
	}
}

// UploadItem streams one entity file into a dataset through the project
// type's bulk upload endpoint.
func (c *Client) UploadItem(ctx context.Context, projectType string, datasetID int, name, path string) (*ItemInfo, error) {
	endpoint, err := uploadEndpoint(projectType)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("datasetId", fmt.Sprint(datasetID)); err != nil {
		return nil, err
	}

	part, err := writer.CreateFormFile("files[]", name)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(endpoint), body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp)
	}

	var infos []ItemInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	if len(infos) == 0 {
		return nil, ErrEmptyResponse
	}

	return &infos[0], nil
}

// AddItemAnnotation attaches an annotation (raw project-format JSON) to an
// uploaded entity.
func (c *Client) AddItemAnnotation(ctx context.Context, projectType string, itemID int, annotation interface{}) error {
	endpoint, err := annotationEndpoint(projectType)
	if err != nil {
		return err
	}

	err = c.post(ctx, endpoint, map[string]interface{}{
		"entityId":   itemID,
		"annotation": annotation,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to add annotation for entity %d: %w", itemID, err)
	}

	return nil
}
