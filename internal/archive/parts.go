package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

const combinedPartsName = "combined_parts.tar"

// Backups that exceeded the cold-storage object size limit are stored as
// numbered slices of one tar stream: name.tar.000, name.tar.001, ...
var tarPartPattern = regexp.MustCompile(`.+\.tar\.\d{3}$`)

// IsTarPart reports whether filename is a slice of a split tar archive.
func IsTarPart(filename string) bool {
	return tarPartPattern.MatchString(filename)
}

// ListTarParts returns the split tar slices directly inside dir.
func ListTarParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var parts []string

	for _, entry := range entries {
		if entry.Type().IsRegular() && IsTarPart(entry.Name()) {
			parts = append(parts, filepath.Join(dir, entry.Name()))
		}
	}

	return parts, nil
}

// CombineParts byte-concatenates the slices in lexicographic order into a
// single tar inside outputDir, removing each slice as it is consumed.
func CombineParts(parts []string, outputDir string) (string, error) {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)

	outputPath := filepath.Join(outputDir, combinedPartsName)

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputPath, err)
	}

	for _, part := range sorted {
		in, err := os.Open(part)
		if err != nil {
			out.Close()
			return "", fmt.Errorf("failed to open part %s: %w", part, err)
		}

		_, err = io.Copy(out, in)
		in.Close()

		if err != nil {
			out.Close()
			return "", fmt.Errorf("failed to append part %s: %w", part, err)
		}

		if err := os.Remove(part); err != nil {
			out.Close()
			return "", fmt.Errorf("failed to remove part %s: %w", part, err)
		}
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", outputPath, err)
	}

	return outputPath, nil
}
