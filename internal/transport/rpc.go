package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const rpcMaxBody = 1 << 20

// RPCClient calls methods of the HTTP GET /rpc/<Method> protocol.
type RPCClient struct {
	host   string
	client *http.Client
	logger *slog.Logger
}

// NewRPCClient creates a client for the device at host.
func NewRPCClient(host string, logger *slog.Logger) *RPCClient {
	return &RPCClient{
		host:   host,
		client: &http.Client{},
		logger: logger.With("component", "rpc", "host", host),
	}
}

// Call invokes method with params and returns the decoded JSON object.
// The result may or may not be wrapped under "result"; see Result.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	out, status, err := c.get(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &ProtocolError{Op: method, Err: fmt.Errorf("http status %d", status)}
	}
	return out, nil
}

func (c *RPCClient) get(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := "http://" + c.host + "/rpc/" + method
	if q := encodeParams(params); q != "" {
		url += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w: %v", method, ErrConnection, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("rpc call failed", "method", method, "err", err)
		return nil, 0, classify(method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, rpcMaxBody))
	if err != nil {
		return nil, resp.StatusCode, classify(method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp.StatusCode, &ProtocolError{Op: method, Err: err}
	}
	return out, resp.StatusCode, nil
}

// Result unwraps an RPC response that may nest its data under "result".
func Result(resp map[string]any) map[string]any {
	if r, ok := resp["result"].(map[string]any); ok {
		return r
	}
	return resp
}
