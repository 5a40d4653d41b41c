// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

type jsonrpcRequest struct {
	Version string `json:"jsonrpc,omitempty"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type jsonrpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

// jsonrpcCaller posts JSON-RPC calls to a single endpoint.
type jsonrpcCaller struct {
	t         *transport
	path      string
	version   string
	basicAuth bool
	ids       atomic.Uint64
}

// call returns the raw result, or the rpc error as *jsonrpcError. HTTP status
// failures are mapped by transport.check.
func (c *jsonrpcCaller) call(ctx context.Context, method string, params []any, result any, opts ...func(*request)) error {
	if params == nil {
		params = []any{}
	}
	body, ct, err := jsonBody(jsonrpcRequest{
		Version: c.version,
		ID:      c.ids.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return wrapError(KindInvalidRequest, c.t.client, method, err, "could not encode %s call", method)
	}

	r := request{
		method:      http.MethodPost,
		path:        c.path,
		body:        body,
		contentType: ct,
		basicAuth:   c.basicAuth,
	}
	for _, o := range opts {
		o(&r)
	}

	resp, err := c.t.do(ctx, method, r)
	if err != nil {
		// aria2 answers rpc errors with 400 and a JSON-RPC body.
		if resp == nil || resp.status != http.StatusBadRequest {
			return err
		}
	}

	var out jsonrpcResponse
	if derr := c.t.decodeJSON(method, resp.body, &out); derr != nil {
		if err != nil {
			return err
		}
		return derr
	}
	if out.Error != nil {
		return out.Error
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	return c.t.decodeJSON(method, out.Result, result)
}
