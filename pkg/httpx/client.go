package httpx

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "restore-archived-project/1.0"

	defaultDownloadName = "download"
)

type Client struct {
	*http.Client
}

// NewClient creates a new HTTP client with custom transport settings.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		&http.Client{
			Transport: transport,
		},
	}
}

// Head performs a HEAD request to the specified URL with optional headers.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	req, err := generateRequest(ctx, urlStr, http.MethodHead, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, ClassifyHTTPError(resp.StatusCode)
	}

	return resp, nil
}

// RangeFrom performs a GET request asking for everything from the start
// offset onward. It does not fail when the server answers with a full 200
// body; the caller decides whether a non-partial response is acceptable.
func (c *Client) RangeFrom(ctx context.Context, urlStr string, start int64, timeout time.Duration, headers map[string]string) (*http.Response, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := generateRequest(ctx, urlStr, http.MethodGet, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))

	resp, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, ClassifyError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		cancel()

		return nil, ClassifyHTTPError(resp.StatusCode)
	}

	// The body outlives this call; tie the deadline cancel to its closing.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

type cancelReadCloser struct {
	ReadCloser interface {
		Read(p []byte) (int, error)
		Close() error
	}
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.ReadCloser.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// generateRequest creates a new HTTP request with the specified method and URL.
func generateRequest(ctx context.Context, urlStr, method string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		return nil, ErrRequestCreation
	}

	req.Header.Set("User-Agent", DefaultUserAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// ParseContentRangeTotal extracts the total size from a Content-Range header.
func ParseContentRangeTotal(header string) (int64, error) {
	if header == "" {
		return 0, ErrInvalidContentRange
	}

	parts := strings.Split(header, "/")
	if len(parts) != 2 || parts[1] == "*" {
		return 0, ErrInvalidContentRange
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, ErrInvalidContentRange
	}

	return size, nil
}

// GetFilename tries to extract the filename from the Content-Disposition
// header or the URL.
func GetFilename(resp *http.Response) string {
	fileName, ok := getFileNameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if ok {
		return fileName
	}

	u := resp.Request.URL
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" {
		return base
	}

	return defaultDownloadName
}

func getFileNameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if fName, ok := params["filename"]; ok {
			return fName, true
		}

		if fName, ok := params["filename*"]; ok {
			return fName, true
		}
	}

	return "", false
}
