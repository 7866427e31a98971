package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const hashesNotFoundMessage = "Hashes not found"

var ErrHashMismatch = errors.New("response part for unknown hash")

// HashesNotFound unwraps the platform's "Hashes not found" error and returns
// the hashes it reported missing.
func HashesNotFound(err error) ([]string, bool) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return nil, false
	}

	if apiErr.Details.Message != hashesNotFoundMessage {
		return nil, false
	}

	return apiErr.Details.Hashes, true
}

// DownloadImagesByHash fetches image blobs by content hash and writes each
// one to the destination path at the same index. The response is a multipart
// stream; parts identify their hash through the x-content-hash part header.
func (c *Client) DownloadImagesByHash(ctx context.Context, hashes, paths []string) error {
	if len(hashes) != len(paths) {
		return fmt.Errorf("hashes/paths length mismatch: %d != %d", len(hashes), len(paths))
	}

	if len(hashes) == 0 {
		return nil
	}

	pathsByHash := make(map[string][]string, len(hashes))
	for i, h := range hashes {
		pathsByHash[h] = append(pathsByHash[h], paths[i])
	}

	payload, err := json.Marshal(map[string]interface{}{"hashes": hashes})
	if err != nil {
		return fmt.Errorf("failed to encode download-by-hash request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("images.bulk.download-by-hash"), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected content type %q for download-by-hash", resp.Header.Get("Content-Type"))
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read download-by-hash part: %w", err)
		}

		hash := part.Header.Get("x-content-hash")

		destinations, ok := pathsByHash[hash]
		if !ok {
			part.Close()
			return fmt.Errorf("%w: %q", ErrHashMismatch, hash)
		}

		if err := writePart(part, destinations); err != nil {
			part.Close()
			return err
		}

		part.Close()
	}
}

func writePart(r io.Reader, destinations []string) error {
	first := destinations[0]

	if err := os.MkdirAll(filepath.Dir(first), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	f, err := os.Create(first)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", first, err)
	}

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("failed to write %s: %w", first, err)
	}

	// Same blob requested under several names.
	for _, dest := range destinations[1:] {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		if err := copyFile(first, dest); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	return err
}

