package chainadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	rpc "github.com/gorilla/rpc/v2/json2"
)

// cleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// sendJSONRequest issues a single JSON-RPC 2.0 call against uri and decodes
// the result into reply. It has no retry or failover logic of its own; that
// lives one layer up, in endpoint and Adapter, which decide whether a given
// error is worth trying the next endpoint for.
func sendJSONRequest(ctx context.Context, httpClient *http.Client, uri, method string, params, reply interface{}) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("issue rpc request: %w", err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rpc call returned status %d", resp.StatusCode)
	}

	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "blockhash not found") {
			return fmt.Errorf("%w: %v", ErrBlockhashNotFound, err)
		}
		return fmt.Errorf("decode rpc response: %w", err)
	}
	return nil
}
