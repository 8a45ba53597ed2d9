// Package api implements the client-side API for code wishing to interact
// with the stagediff service.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/version"
)

// maxBufferSize bounds one ndjson line; previews are embedded as base64.
const maxBufferSize = 64 << 20

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment creates a client for the server named by
// STAGEDIFF_HOST.
func ClientFromEnvironment() (*Client, error) {
	base, err := envconfig.Host()
	if err != nil {
		return nil, err
	}
	return NewClient(base, http.DefaultClient), nil
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	if err := json.Unmarshal(body, &apiError); err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}
	return apiError
}

func (c *Client) request(ctx context.Context, method, path string, data any) (*http.Request, error) {
	var reqBody io.Reader
	if data != nil {
		bts, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")
	request.Header.Set("User-Agent", fmt.Sprintf("stagediff/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))
	return request, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	request, err := c.request(ctx, method, path, reqData)
	if err != nil {
		return err
	}

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) stream(ctx context.Context, method, path string, data any, fn func([]byte) error) error {
	request, err := c.request(ctx, method, path, data)
	if err != nil {
		return err
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 512*1024), maxBufferSize)
	for scanner.Scan() {
		bts := scanner.Bytes()

		var errorResponse ErrorResponse
		if err := json.Unmarshal(bts, &errorResponse); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}

		if errorResponse.Message != "" || response.StatusCode >= http.StatusBadRequest {
			return StatusError{
				StatusCode:   response.StatusCode,
				Status:       response.Status,
				ErrorMessage: errorResponse.Message,
				Code:         errorResponse.Code,
				Hint:         errorResponse.Hint,
			}
		}

		if err := fn(bts); err != nil {
			return err
		}
	}

	return scanner.Err()
}

type GenerateResponseFunc func(GenerateResponse) error

// Generate streams progress for req. fn is called for every event, the last
// of which carries the image.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, fn GenerateResponseFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/generate", req, func(bts []byte) error {
		var resp GenerateResponse
		if err := json.Unmarshal(bts, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

type LoadResponseFunc func(LoadResponse) error

// Load asks the server to make every stage resident.
func (c *Client) Load(ctx context.Context, fn LoadResponseFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/load", nil, func(bts []byte) error {
		var resp LoadResponse
		if err := json.Unmarshal(bts, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

func (c *Client) ListRunning(ctx context.Context) (*ProcessResponse, error) {
	var lr ProcessResponse
	if err := c.do(ctx, http.MethodGet, "/api/ps", nil, &lr); err != nil {
		return nil, err
	}
	return &lr, nil
}

func (c *Client) Tokenize(ctx context.Context, req *TokenizeRequest) (*TokenizeResponse, error) {
	var resp TokenizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/tokenize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat checks if the server has started and is responsive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}
	return version.Version, nil
}
