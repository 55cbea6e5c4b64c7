package breakwater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TypedResponse carries the raw response alongside a JSON call that decoded
// the body, for callers that need status and headers as well as the value.
type TypedResponse struct {
	Response *http.Response
}

// GetJSON performs a GET through the full pipeline and decodes the JSON
// response body into out. Non-2xx statuses are returned as *HTTPStatusError
// without decoding.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	_, err := c.GetTyped(ctx, url, out)
	return err
}

// PostJSON encodes in as the JSON request body, performs a POST through the
// full pipeline and decodes the JSON response body into out.
func (c *Client) PostJSON(ctx context.Context, url string, in, out interface{}) error {
	_, err := c.PostTyped(ctx, url, in, out)
	return err
}

// GetTyped is GetJSON returning the response metadata as well.
func (c *Client) GetTyped(ctx context.Context, url string, out interface{}) (*TypedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.doTyped(req, out)
}

// PostTyped is PostJSON returning the response metadata as well.
func (c *Client) PostTyped(ctx context.Context, url string, in, out interface{}) (*TypedResponse, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("breakwater: encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doTyped(req, out)
}

// DoJSON executes a prepared request and decodes the JSON response body
// into out.
func (c *Client) DoJSON(req *http.Request, out interface{}) error {
	_, err := c.doTyped(req, out)
	return err
}

// doTyped runs the request through Do, then consumes the body exactly once:
// decoded into out on 2xx, discarded otherwise.
func (c *Client) doTyped(req *http.Request, out interface{}) (*TypedResponse, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	typed := &TypedResponse{Response: resp}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return typed, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return typed, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return typed, fmt.Errorf("breakwater: decoding response body: %w", err)
	}
	return typed, nil
}
