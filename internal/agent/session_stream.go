package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-assistant/internal/agent/stream"
)

// jsonRPCRequest is the raw tools/call envelope for the streaming variant.
type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CallToolStream executes a tool call requesting a streamed NDJSON response
// and returns the decoded event channel. Servers that answer with a plain
// JSON-RPC response instead degrade to a single final event. An auth
// failure before the stream starts gets the session's one refresh-and-retry.
func (s *SessionClient) CallToolStream(ctx context.Context, name string, args map[string]any) (<-chan stream.Event, error) {
	resp, err := s.postToolStream(ctx, name, args)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		s.logger.Info("Authentication failed during streaming call, refreshing token...")
		if refreshErr := s.flow.Refresh(ctx); refreshErr != nil {
			return nil, &SessionExpiredError{Operation: "stream tool " + name, Err: refreshErr}
		}
		resp, err = s.postToolStream(ctx, name, args)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, &SessionExpiredError{
				Operation: "stream tool " + name,
				Err:       fmt.Errorf("server rejected refreshed token with status %d", resp.StatusCode),
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("streaming call failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "x-ndjson") {
		defer resp.Body.Close()
		return s.singleEventFallback(resp.Body)
	}

	decoded := stream.Decode(ctx, resp.Body, func(decErr *stream.DecodeError) {
		s.logger.Debug("Stream decode fallback: %v", decErr)
	})

	out := make(chan stream.Event, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for ev := range decoded {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// postToolStream sends the raw JSON-RPC tools/call request with NDJSON
// negotiation. The session's HTTP client attaches auth headers.
func (s *SessionClient) postToolStream(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
	payload := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      name,
			"arguments": args,
			"_meta": map[string]any{
				"progressToken": uuid.NewString(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal streaming request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, application/json")

	s.logger.Request("tools/call (stream)", payload.Params)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}
	return resp, nil
}

// singleEventFallback converts a plain JSON-RPC response into a one-event
// stream.
func (s *SessionClient) singleEventFallback(body io.Reader) (<-chan stream.Event, error) {
	data, err := io.ReadAll(io.LimitReader(body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpc jsonRPCResponse
	out := make(chan stream.Event, 1)
	defer close(out)

	if err := json.Unmarshal(data, &rpc); err != nil {
		out <- stream.Event{Type: stream.TypeText, Content: string(data)}
		return out, nil
	}
	if rpc.Error != nil {
		out <- stream.Event{Type: stream.TypeError, Error: rpc.Error.Message}
		return out, nil
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		out <- stream.Event{Type: stream.TypeText, Content: string(rpc.Result)}
		return out, nil
	}

	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		out <- stream.Event{Type: stream.TypeError, Error: text}
	} else {
		out <- stream.Event{Type: stream.TypeFinalResponse, Response: text}
	}
	return out, nil
}
