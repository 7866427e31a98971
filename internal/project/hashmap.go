package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HashMap is the manifest the archiver stores next to the blobs: per
// dataset, the image names and the content hash of each image.
type HashMap struct {
	Datasets []DatasetImages `json:"datasets"`
}

type DatasetImages struct {
	Name   string       `json:"name"`
	Images []ImageEntry `json:"images"`
}

type ImageEntry struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// LoadHashMap reads the hash_name_map.json manifest.
func LoadHashMap(path string) (*HashMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash map: %w", err)
	}

	var hm HashMap
	if err := json.Unmarshal(data, &hm); err != nil {
		return nil, fmt.Errorf("failed to parse hash map: %w", err)
	}

	return &hm, nil
}

// ReverseMapping maps original content hashes back to the blob filenames in
// the files dir. Blobs were stored under their hash with '/' replaced by
// '-' (hashes are base64); the extension is kept as-is.
func ReverseMapping(filenames []string) map[string]string {
	reverse := make(map[string]string, len(filenames))

	for _, filename := range filenames {
		ext := filepath.Ext(filename)
		base := strings.TrimSuffix(filename, ext)
		original := strings.ReplaceAll(base, "-", "/") + ext

		reverse[original] = filename
	}

	return reverse
}

// BlobFilenames lists the regular files directly inside the files dir.
func BlobFilenames(tempFilesDir string) ([]string, error) {
	entries, err := os.ReadDir(tempFilesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", tempFilesDir, err)
	}

	var names []string

	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

// BlobPath resolves a content hash to the blob holding it, if present.
func BlobPath(hash, tempFilesDir string, reverse map[string]string) (string, bool) {
	name, ok := reverse[hash]
	if !ok {
		return "", false
	}

	return filepath.Join(tempFilesDir, name), true
}
