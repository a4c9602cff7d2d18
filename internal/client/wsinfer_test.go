package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/inferload/inferload/internal/client"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades each connection and hands it to the handler.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(server.URL, "http://")
}

func newWSInfer(t *testing.T, url string) *client.WSInfer {
	t.Helper()
	c, err := client.NewWSInfer(client.WSOptions{
		URL:     url,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWSInfer failed: %v", err)
	}
	return c
}

func TestNewWSInferValidatesURL(t *testing.T) {
	if _, err := client.NewWSInfer(client.WSOptions{}); err == nil {
		t.Error("Expected error without URL")
	}
	if _, err := client.NewWSInfer(client.WSOptions{URL: "http://host/infer"}); err == nil {
		t.Error("Expected error for a non-websocket scheme")
	}
}

func TestWSSendStreamsUntilDone(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("ReadMessage failed: %v", err)
			return
		}
		if got := gjson.GetBytes(data, "prompt").String(); got != "hello" {
			t.Errorf("Expected prompt hello, got %q", got)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"a"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"b"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"c","completion_tokens":12,"done":true}`))
	})
	defer server.Close()

	c := newWSInfer(t, wsURL(server))
	res, err := c.Send(context.Background(), &client.Request{Prompt: "hello", Stream: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(res.Received) != 3 {
		t.Errorf("Expected 3 chunks, got %d", len(res.Received))
	}
	if res.OutputTokens != 12 {
		t.Errorf("Expected 12 tokens from the final chunk, got %d", res.OutputTokens)
	}
}

func TestWSSendAcceptsNormalCloseAfterChunks(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"a"}`))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	defer server.Close()

	c := newWSInfer(t, wsURL(server))
	res, err := c.Send(context.Background(), &client.Request{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(res.Received) != 1 {
		t.Errorf("Expected 1 chunk, got %d", len(res.Received))
	}
	if res.OutputTokens != 1 {
		t.Errorf("Expected counted token, got %d", res.OutputTokens)
	}
}

func TestWSSendServerErrorPreservesTimestamps(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"a"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"out of memory"}`))
	})
	defer server.Close()

	c := newWSInfer(t, wsURL(server))
	_, err := c.Send(context.Background(), &client.Request{Prompt: "hi", Stream: true})
	var streamErr *client.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("Expected StreamError, got %v", err)
	}
	if len(streamErr.Received) != 1 {
		t.Errorf("Expected 1 preserved timestamp, got %d", len(streamErr.Received))
	}
}

func TestWSSendForwardsCorrelationFields(t *testing.T) {
	got := make(chan []byte, 1)
	server := wsServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- data
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"a","done":true}`))
	})
	defer server.Close()

	c := newWSInfer(t, wsURL(server))
	_, err := c.Send(context.Background(), &client.Request{
		Prompt:      "hi",
		Correlation: &client.Correlation{ID: 7, End: true},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	data := <-got
	if id := gjson.GetBytes(data, "correlation_id").Uint(); id != 7 {
		t.Errorf("Expected correlation id 7, got %d", id)
	}
	if !gjson.GetBytes(data, "sequence_end").Bool() {
		t.Error("Expected sequence_end flag")
	}
	if gjson.GetBytes(data, "sequence_start").Bool() {
		t.Error("Unexpected sequence_start flag")
	}
}

func TestWSSendHonorsContextCancel(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		// Never answer; the client's context must unblock the read.
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	c := newWSInfer(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, &client.Request{Prompt: "hi", Stream: true})
	var streamErr *client.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("Expected StreamError, got %v", err)
	}
	if !errors.Is(streamErr.Cause, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded cause, got %v", streamErr.Cause)
	}
}
