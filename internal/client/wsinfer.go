package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/inferload/inferload/internal/tracing"
)

// WSOptions configure the WebSocket backend.
type WSOptions struct {
	// URL is the full ws:// or wss:// endpoint.
	URL              string
	Model            string
	Headers          http.Header
	HandshakeTimeout time.Duration
	Timeout          time.Duration
	MaxMessageSize   int64
}

// WSInfer streams inference over a WebSocket connection. A connection
// is dialed per call so concurrent slots never share a socket; the
// server is expected to answer each request with a series of JSON
// chunks terminated by a message with "done": true or a close frame.
type WSInfer struct {
	opt    WSOptions
	dialer *websocket.Dialer
}

func NewWSInfer(opt WSOptions) (*WSInfer, error) {
	url := strings.TrimSpace(opt.URL)
	if url == "" {
		return nil, fmt.Errorf("client: websocket URL is required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("client: websocket URL must use ws:// or wss://")
	}
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = 30 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 120 * time.Second
	}
	if opt.MaxMessageSize <= 0 {
		opt.MaxMessageSize = 1 << 20
	}
	opt.URL = url

	return &WSInfer{
		opt: opt,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opt.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}, nil
}

type wsRequest struct {
	Model         string `json:"model,omitempty"`
	Prompt        string `json:"prompt"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	Stream        bool   `json:"stream"`
	CorrelationID uint64 `json:"correlation_id,omitempty"`
	SequenceStart bool   `json:"sequence_start,omitempty"`
	SequenceEnd   bool   `json:"sequence_end,omitempty"`
}

func (c *WSInfer) Send(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	defer cancel()

	headers := c.opt.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	tracing.InjectHTTPHeaders(ctx, headers)

	conn, resp, err := c.dialer.DialContext(ctx, c.opt.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(c.opt.MaxMessageSize)

	// Unblock pending reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload := wsRequest{
		Model:     c.opt.Model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if req.Correlation != nil {
		payload.CorrelationID = req.Correlation.ID
		payload.SequenceStart = req.Correlation.Start
		payload.SequenceEnd = req.Correlation.End
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	res := &Result{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(res.Received) > 0 {
				return res, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, &StreamError{Received: res.Received, Cause: err}
		}

		now := time.Now()
		chunk := gjson.ParseBytes(data)
		if errMsg := chunk.Get("error"); errMsg.Exists() {
			cause := fmt.Errorf("server error mid-stream: %s", errMsg.String())
			return nil, &StreamError{Received: res.Received, Cause: cause}
		}
		res.Received = append(res.Received, now)
		if tokens := chunk.Get("completion_tokens"); tokens.Exists() {
			res.OutputTokens = int(tokens.Int())
		} else {
			res.OutputTokens++
		}
		if chunk.Get("done").Bool() {
			graceful := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, graceful, time.Now().Add(5*time.Second))
			return res, nil
		}
	}
}

func (c *WSInfer) Close() error {
	return nil
}
