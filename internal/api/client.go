package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/pkg/httpx"
)

const (
	apiPrefix = "/public/api/v3/"

	defaultCallTimeout = 60 * time.Second
)

var ErrEmptyResponse = errors.New("empty response from server")

// Error is a non-2xx answer from the platform with its decoded body.
type Error struct {
	StatusCode int
	Message    string
	Details    ErrorDetails
}

type ErrorDetails struct {
	Message string   `json:"message"`
	Hashes  []string `json:"hashes"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("api error (status %d)", e.StatusCode)
}

// Client talks to the platform's public REST API.
type Client struct {
	httpc      *httpx.Client
	serverAddr string
	token      string
}

func NewClient(serverAddr, token string) *Client {
	return &Client{
		httpc:      httpx.NewClient(),
		serverAddr: strings.TrimSuffix(serverAddr, "/"),
		token:      token,
	}
}

func (c *Client) endpoint(method string) string {
	return c.serverAddr + apiPrefix + method
}

// post sends a JSON body to an API method and decodes the JSON answer into
// out (which may be nil for calls with no interesting response).
func (c *Client) post(ctx context.Context, method string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(payload))
	if err != nil {
		return httpx.ErrRequestCreation
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return httpx.ClassifyError(err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Errorf("Failed to close response body for %s: %v", method, err)
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if len(data) == 0 {
		return ErrEmptyResponse
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("x-api-key", c.token)
	req.Header.Set("User-Agent", httpx.DefaultUserAgent)
}

// unmarshalLenient decodes data into obj, accepting either a bare object or
// a one-element array of it (some endpoints answer with either).
func unmarshalLenient(data []byte, obj interface{}, arr interface{}) error {
	if err := json.Unmarshal(data, obj); err == nil {
		return nil
	}

	if err := json.Unmarshal(data, arr); err != nil {
		return err
	}

	v := reflect.ValueOf(arr).Elem()
	if v.Len() == 0 {
		return ErrEmptyResponse
	}

	reflect.ValueOf(obj).Elem().Set(v.Index(0))

	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiErr
	}

	var body struct {
		Error   string       `json:"error"`
		Message string       `json:"message"`
		Details ErrorDetails `json:"details"`
	}

	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Message = body.Error
	if apiErr.Message == "" {
		apiErr.Message = body.Message
	}

	apiErr.Details = body.Details

	return apiErr
}
