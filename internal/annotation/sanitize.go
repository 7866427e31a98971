package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
)

// FilterLabels drops objects whose class is not in keep and tags the meta
// does not define.
func FilterLabels(ann *Annotation, keep map[string]struct{}, meta *ProjectMeta) {
	var objects []Object

	for _, obj := range ann.Objects {
		if _, ok := keep[obj.ClassTitle]; ok {
			objects = append(objects, obj)
		}
	}

	ann.Objects = objects

	var tags []Tag

	for _, tag := range ann.Tags {
		if meta.HasTagMeta(tag.Name) {
			tags = append(tags, tag)
		}
	}

	ann.Tags = tags
}

// Salvage rebuilds an annotation from a file that failed strict parsing:
// the size is mandatory, every object and tag is decoded independently and
// invalid ones are dropped with a log line.
func Salvage(path string, meta *ProjectMeta, keep map[string]struct{}) (*Annotation, error) {
	annName := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation: %w", err)
	}

	var loose struct {
		Description string            `json:"description"`
		Size        *Size             `json:"size"`
		Objects     []json.RawMessage `json:"objects"`
		Tags        []json.RawMessage `json:"tags"`
	}

	if err := json.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("failed to parse annotation %s: %w", annName, err)
	}

	if loose.Size == nil || loose.Size.Height <= 0 || loose.Size.Width <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSize, annName)
	}

	ann := &Annotation{
		Description: loose.Description,
		Size:        *loose.Size,
	}

	for _, raw := range loose.Objects {
		var obj Object
		if err := json.Unmarshal(raw, &obj); err != nil {
			logger.Warnf("Skipping invalid object in %s: %v", annName, err)
			continue
		}

		if _, ok := keep[obj.ClassTitle]; !ok {
			continue
		}

		if !meta.HasClass(obj.ClassTitle) {
			logger.Warnf("Skipping object of unknown class %q in %s", obj.ClassTitle, annName)
			continue
		}

		ann.Objects = append(ann.Objects, obj)
	}

	for _, raw := range loose.Tags {
		var tag Tag
		if err := json.Unmarshal(raw, &tag); err != nil {
			logger.Errorf("Skipping invalid tag in %s: %v", annName, err)
			continue
		}

		if !meta.HasTagMeta(tag.Name) {
			logger.Errorf("Skipping tag of unknown meta %q in %s", tag.Name, annName)
			continue
		}

		ann.Tags = append(ann.Tags, tag)
	}

	return ann, nil
}

// SanitizeImagesProject removes cuboid-geometry classes from the project
// meta and from every annotation under projectDir, repairing or replacing
// annotations that do not parse. Layout: meta.json at the root, datasets as
// subdirectories with img/ and ann/ inside.
func SanitizeImagesProject(projectDir string) error {
	metaPath := filepath.Join(projectDir, MetaFileName)

	meta, err := LoadMeta(metaPath)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{})

	var removeClasses []string

	for _, cls := range meta.Classes {
		if cls.Shape == ShapeCuboid {
			logger.Warnf("Class %s has unsupported geometry type %s. Class will be removed from meta and all annotations.", cls.Title, cls.Shape)
			removeClasses = append(removeClasses, cls.Title)

			continue
		}

		keep[cls.Title] = struct{}{}
	}

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", projectDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		err := sanitizeDataset(filepath.Join(projectDir, entry.Name()), meta, keep)
		if err != nil {
			return err
		}
	}

	if len(removeClasses) == 0 {
		return nil
	}

	return SaveMeta(metaPath, meta.WithoutClasses(removeClasses))
}

func sanitizeDataset(datasetDir string, meta *ProjectMeta, keep map[string]struct{}) error {
	annDir := filepath.Join(datasetDir, "ann")

	entries, err := os.ReadDir(annDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to list %s: %w", annDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		annPath := filepath.Join(annDir, entry.Name())

		ann, err := Load(annPath)
		if err == nil {
			FilterLabels(ann, keep, meta)
		} else {
			ann, err = Salvage(annPath, meta, keep)
			if err != nil {
				logger.Errorf("Annotation file is broken (%v). Replacing with an empty annotation: %s", err, annPath)

				imgPath := imagePathFor(datasetDir, entry.Name())

				ann, err = Empty(imgPath)
				if err != nil {
					return err
				}
			}
		}

		if err := Save(annPath, ann); err != nil {
			return err
		}
	}

	return nil
}

// imagePathFor maps an annotation file name (<image>.json) back to the
// image it describes.
func imagePathFor(datasetDir, annName string) string {
	imgName := annName
	if filepath.Ext(imgName) == ".json" {
		imgName = imgName[:len(imgName)-len(".json")]
	}

	return filepath.Join(datasetDir, "img", imgName)
}
