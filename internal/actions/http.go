package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const maxResponseBody = 1 << 20

// httpHandler performs an external HTTP call and returns status and body.
type httpHandler struct {
	client  *http.Client
	timeout time.Duration
}

func newHTTPHandler(client *http.Client, timeout time.Duration) *httpHandler {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpHandler{client: client, timeout: timeout}
}

func (h *httpHandler) Execute(ctx context.Context, params, _ map[string]any) (any, error) {
	url, err := required(params, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(str(params, "method"))
	if method == "" {
		method = http.MethodGet
	}
	timeout := h.timeout
	if s := str(params, "timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("external call timeout: %w", err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("external call body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMap(params["headers"]) {
		req.Header.Set(k, cast.ToString(v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	res := map[string]any{"status": resp.StatusCode, "body": decodeBody(raw)}
	if resp.StatusCode >= 400 {
		return res, fmt.Errorf("external call %s %s: http %d", method, url, resp.StatusCode)
	}
	return res, nil
}

func decodeBody(raw []byte) any {
	var v any
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}
