package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

type FileInfo struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	TeamID int    `json:"teamId"`
}

// UploadTeamFile streams a local file into team files at remotePath.
// onProgress, if non-nil, is called with the running byte count as the
// request body is consumed.
func (c *Client) UploadTeamFile(ctx context.Context, teamID int, localPath, remotePath string, onProgress func(sent int64)) (*FileInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		defer f.Close()

		err := writeUploadForm(writer, teamID, remotePath, f, onProgress)
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("file-storage.upload"), pr)
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

	var info FileInfo
	if err := decodeUploadResponse(resp.Body, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func writeUploadForm(writer *multipart.Writer, teamID int, remotePath string, f *os.File, onProgress func(int64)) error {
	if err := writer.WriteField("teamId", fmt.Sprint(teamID)); err != nil {
		return err
	}

	if err := writer.WriteField("path", remotePath); err != nil {
		return err
	}

	part, err := writer.CreateFormFile("file", filepath.Base(remotePath))
	if err != nil {
		return err
	}

	var dst io.Writer = part
	if onProgress != nil {
		dst = &countingWriter{w: part, onWrite: onProgress}
	}

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to stream upload body: %w", err)
	}

	return nil
}

func decodeUploadResponse(r io.Reader, info *FileInfo) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read upload response: %w", err)
	}

	// The endpoint answers with a one-element array.
	var infos []FileInfo
	if err := unmarshalLenient(data, info, &infos); err != nil {
		return fmt.Errorf("failed to decode upload response: %w", err)
	}

	return nil
}

type countingWriter struct {
	w       io.Writer
	sent    int64
	onWrite func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.sent += int64(n)
	c.onWrite(c.sent)

	return n, err
}
