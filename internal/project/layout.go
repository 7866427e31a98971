package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// TempFilesDirName is where the files archive is unpacked before the
	// layout is rebuilt.
	TempFilesDirName = "files"

	// HashMapFileName maps dataset image names to blob content hashes.
	HashMapFileName = "hash_name_map.json"

	imgDirName = "img"
	annDirName = "ann"
)

var ErrEmptyAnnDir = errors.New("no annotation files were found")

// DirName builds the working directory name of a restored project.
func DirName(projectID int, projectName string) string {
	return fmt.Sprintf("%d_%s", projectID, projectName)
}

// Paths groups the well-known locations inside a restore working directory.
type Paths struct {
	ProjectDir   string
	TempFilesDir string
	HashMapPath  string
	FilesArchive string
	AnnArchive   string
}

// NewPaths lays out the working directory for a project under baseDir.
func NewPaths(baseDir string, projectID int, projectName string) Paths {
	projectDir := filepath.Join(baseDir, DirName(projectID, projectName))

	return Paths{
		ProjectDir:   projectDir,
		TempFilesDir: filepath.Join(projectDir, TempFilesDirName),
		HashMapPath:  filepath.Join(projectDir, HashMapFileName),
		FilesArchive: filepath.Join(projectDir, "files.tar"),
		AnnArchive:   filepath.Join(projectDir, "annotations.tar"),
	}
}

// Datasets lists the dataset subdirectories of a project dir.
func Datasets(projectDir string) ([]string, error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", projectDir, err)
	}

	var datasets []string

	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != TempFilesDirName {
			datasets = append(datasets, entry.Name())
		}
	}

	return datasets, nil
}

// ValidateOldFormat checks that every dataset extracted from an old-format
// archive carries annotation files; a project written by an old archiver
// with an empty ann/ dir cannot be restored.
func ValidateOldFormat(tempFilesDir string) error {
	entries, err := os.ReadDir(tempFilesDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", tempFilesDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		annDir := filepath.Join(tempFilesDir, entry.Name(), annDirName)

		annEntries, err := os.ReadDir(annDir)
		if err != nil || len(annEntries) == 0 {
			return fmt.Errorf("%w in dataset %q when trying to restore an images project with an old archive format", ErrEmptyAnnDir, entry.Name())
		}
	}

	return nil
}

// MoveToProjectDir lifts everything under tempFilesDir up into projectDir
// and removes the now-empty temp dir.
func MoveToProjectDir(tempFilesDir, projectDir string) error {
	entries, err := os.ReadDir(tempFilesDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", tempFilesDir, err)
	}

	for _, entry := range entries {
		src := filepath.Join(tempFilesDir, entry.Name())
		dst := filepath.Join(projectDir, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move %s: %w", src, err)
		}
	}

	return os.RemoveAll(tempFilesDir)
}

// Cleanup removes the temp files dir and the hash map after the layout has
// been rebuilt.
func Cleanup(paths Paths) {
	os.RemoveAll(paths.TempFilesDir)
	os.Remove(paths.HashMapPath)
}
