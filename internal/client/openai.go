package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inferload/inferload/internal/tracing"
)

// OpenAIOptions configure the HTTP chat-completions backend.
type OpenAIOptions struct {
	// BaseURL is the server root, e.g. "http://localhost:8000".
	BaseURL string
	Model   string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

// OpenAI drives an OpenAI-compatible chat-completions endpoint with
// SSE streaming, one timestamp per received chunk. Safe for
// concurrent use; connections are pooled by the underlying transport.
type OpenAI struct {
	opt        OpenAIOptions
	endpoint   string
	httpClient *http.Client
}

func NewOpenAI(opt OpenAIOptions) (*OpenAI, error) {
	base := strings.TrimRight(strings.TrimSpace(opt.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if opt.Model == "" {
		return nil, fmt.Errorf("client: model name is required")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 120 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1024,
		MaxIdleConnsPerHost:   512,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &OpenAI{
		opt:      opt,
		endpoint: base + "/v1/chat/completions",
		httpClient: &http.Client{
			Timeout:   opt.Timeout,
			Transport: transport,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

func (c *OpenAI) Send(ctx context.Context, req *Request) (*Result, error) {
	payload := chatRequest{
		Model:     c.opt.Model,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opt.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opt.APIKey)
	}
	for key, value := range c.opt.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Correlation != nil {
		httpReq.Header.Set("X-Correlation-Id", strconv.FormatUint(req.Correlation.ID, 10))
		if req.Correlation.Start {
			httpReq.Header.Set("X-Sequence-Start", "true")
		}
		if req.Correlation.End {
			httpReq.Header.Set("X-Sequence-End", "true")
		}
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	tracing.InjectHTTPHeaders(ctx, httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if !req.Stream {
		raw, err := io.ReadAll(resp.Body)
		received := time.Now()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		tokens := int(gjson.GetBytes(raw, "usage.completion_tokens").Int())
		return &Result{Received: []time.Time{received}, OutputTokens: tokens}, nil
	}

	return readChunkStream(resp.Body)
}

// readChunkStream consumes an SSE chat-completion stream, stamping
// each content-bearing chunk. A failure partway through preserves the
// timestamps already gathered via StreamError.
func readChunkStream(body io.Reader) (*Result, error) {
	res := &Result{}
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Streams should end with [DONE]; a bare EOF after at
				// least one chunk is tolerated.
				if len(res.Received) > 0 {
					return res, nil
				}
				err = fmt.Errorf("stream closed before any chunk")
			}
			return nil, &StreamError{Received: res.Received, Cause: err}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return res, nil
		}

		now := time.Now()
		chunk := gjson.Parse(data)
		if errMsg := chunk.Get("error.message"); errMsg.Exists() {
			cause := fmt.Errorf("server error mid-stream: %s", errMsg.String())
			return nil, &StreamError{Received: res.Received, Cause: cause}
		}
		if content := chunk.Get("choices.0.delta.content"); content.Exists() && content.String() != "" {
			res.Received = append(res.Received, now)
			res.OutputTokens++
		}
		if usage := chunk.Get("usage.completion_tokens"); usage.Exists() {
			res.OutputTokens = int(usage.Int())
		}
	}
}

func (c *OpenAI) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
