package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/reliability"
)

// HTTPAdapter forwards requests to a generation endpoint that answers with
// SSE, NDJSON, or a single JSON/plain-text body.
type HTTPAdapter struct {
	url    string
	strict bool
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return NewHTTPAdapterWithOptions(url, false)
}

// NewHTTPAdapterWithOptions sets strict mode: streamed lines that are not
// valid JSON fail the stream instead of being forwarded as raw text.
func NewHTTPAdapterWithOptions(url string, strict bool) *HTTPAdapter {
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type httpRequest struct {
	MessageRequest
	Stream bool `json:"stream"`
}

// HTTPStatusError reports a non-2xx reply from the generation endpoint.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

func (e *HTTPStatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	res, err := a.do(ctx, req, true)
	if err != nil {
		return MessageResponse{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	resp, err := a.readWhole(res.Body)
	if err != nil {
		return MessageResponse{}, err
	}
	if resp.Text != "" && onDelta != nil {
		if err := onDelta(resp.Text); err != nil {
			return MessageResponse{}, err
		}
	}
	return resp, nil
}

func (a *HTTPAdapter) Generate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	res, err := a.do(ctx, req, false)
	if err != nil {
		return MessageResponse{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, nil)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, nil)
	}
	return a.readWhole(res.Body)
}

func (a *HTTPAdapter) do(ctx context.Context, req MessageRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(httpRequest{MessageRequest: req, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &HTTPStatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (a *HTTPAdapter) readWhole(body io.Reader) (MessageResponse, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return MessageResponse{Text: strings.TrimSpace(string(raw))}, nil
	}
	return MessageResponse{Text: extractText(obj)}, nil
}

// consumeSSE reads "data:" lines until EOF or a [DONE] marker. Comment lines
// and other SSE fields are skipped.
func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (MessageResponse, error) {
	scanner := newLineScanner(body)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		delta, err := a.decodeLine(data)
		if err != nil {
			return MessageResponse{Text: out.String()}, err
		}
		if err := emit(&out, delta, onDelta); err != nil {
			return MessageResponse{Text: out.String()}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

// consumeNDJSON reads one JSON object per line; non-JSON lines are raw text
// unless the adapter is strict.
func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (MessageResponse, error) {
	scanner := newLineScanner(body)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}
		delta, err := a.decodeLine(line)
		if err != nil {
			return MessageResponse{Text: out.String()}, err
		}
		if err := emit(&out, delta, onDelta); err != nil {
			return MessageResponse{Text: out.String()}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *HTTPAdapter) decodeLine(line string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &obj); err != nil {
		if a.strict {
			return "", fmt.Errorf("invalid stream payload: %w", err)
		}
		return line, nil
	}
	if msg, ok := obj["error"].(string); ok && msg != "" {
		return "", fmt.Errorf("brain stream error: %s", msg)
	}
	return extractText(obj), nil
}

func emit(out *strings.Builder, delta string, onDelta DeltaHandler) error {
	if delta == "" {
		return nil
	}
	out.WriteString(delta)
	if onDelta == nil {
		return nil
	}
	return onDelta(delta)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "content", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
