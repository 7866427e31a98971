package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Kind is the container format of a backup archive.
type Kind int

const (
	KindUnknown Kind = iota
	KindTar
	KindZip
)

var ErrUnsupportedArchive = errors.New("unsupported archive type")

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// Sniff determines the archive kind from file content. Cold storage serves
// tar on some instances and zip on others, so names are never trusted.
func Sniff(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 265)

	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return KindUnknown, fmt.Errorf("failed to read %s: %w", path, err)
	}

	header = header[:n]

	if bytes.HasPrefix(header, zipMagic) {
		return KindZip, nil
	}

	// POSIX tar carries "ustar" at offset 257.
	if len(header) >= 262 && bytes.Equal(header[257:262], []byte("ustar")) {
		return KindTar, nil
	}

	return KindUnknown, fmt.Errorf("%w: %s", ErrUnsupportedArchive, path)
}

func (k Kind) String() string {
	switch k {
	case KindTar:
		return "tar"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}
