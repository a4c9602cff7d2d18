// Command mock_inference runs a throwaway inference backend for manual
// testing. One process serves a single protocol selected by --mode:
//
//	openai     HTTP chat completions with SSE streaming, plus /metrics
//	websocket  JSON chunk stream over a WebSocket at /infer
//	grpc       dynamic Generator service (unary and server-streaming)
//
// Responses are synthetic: a fixed number of chunks spaced by --latency,
// so percentile output from a run against this server is predictable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	mode    = flag.String("mode", "openai", "backend to run: openai, websocket, grpc")
	addr    = flag.String("addr", ":9000", "listen address")
	chunks  = flag.Int("chunks", 8, "stream chunks per response")
	latency = flag.Duration("latency", 25*time.Millisecond, "delay before each chunk")
	failPct = flag.Int("fail-pct", 0, "percentage of requests answered with an error")
)

var requestCount atomic.Int64

func main() {
	flag.Parse()

	var err error
	switch *mode {
	case "openai":
		err = serveOpenAI(*addr)
	case "websocket":
		err = serveWebSocket(*addr)
	case "grpc":
		err = serveGRPC(*addr)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func shouldFail() bool {
	return *failPct > 0 && rand.Intn(100) < *failPct
}

// ---- openai mode ----

type chatRequest struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func serveOpenAI(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handleChat)
	mux.HandleFunc("/metrics", handleMetrics)
	log.Printf("openai mock listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func handleChat(w http.ResponseWriter, r *http.Request) {
	requestCount.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if shouldFail() {
		http.Error(w, `{"error":{"message":"synthetic failure"}}`, http.StatusServiceUnavailable)
		return
	}

	n := *chunks
	if req.MaxTokens > 0 && req.MaxTokens < n {
		n = req.MaxTokens
	}

	if !req.Stream {
		time.Sleep(*latency * time.Duration(n))
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": strings.Repeat("tok ", n)}},
			},
			"usage": map[string]int{"completion_tokens": n},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	for i := 0; i < n; i++ {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(*latency):
		}
		event := map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]string{"content": fmt.Sprintf("tok%d ", i)}},
			},
		}
		if i == n-1 {
			event["usage"] = map[string]int{"completion_tokens": n}
		}
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# TYPE gpu_utilization gauge\n")
	fmt.Fprintf(w, "gpu_utilization{gpu=\"0\"} %.1f\n", 40+rand.Float64()*50)
	fmt.Fprintf(w, "# TYPE requests_total counter\n")
	fmt.Fprintf(w, "requests_total %d\n", requestCount.Load())
}

// ---- websocket mode ----

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsRequest struct {
	Prompt        string `json:"prompt"`
	MaxTokens     int    `json:"max_tokens"`
	Stream        bool   `json:"stream"`
	CorrelationID uint64 `json:"correlation_id"`
}

func serveWebSocket(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", handleInfer)
	log.Printf("websocket mock listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func handleInfer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		requestCount.Add(1)

		if shouldFail() {
			conn.WriteJSON(map[string]string{"error": "synthetic failure"})
			continue
		}

		n := *chunks
		if req.MaxTokens > 0 && req.MaxTokens < n {
			n = req.MaxTokens
		}
		for i := 0; i < n; i++ {
			time.Sleep(*latency)
			msg := map[string]any{"content": fmt.Sprintf("tok%d ", i)}
			if i == n-1 {
				msg["done"] = true
				msg["completion_tokens"] = n
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// ---- grpc mode ----

// generatorProto matches the schema a load run points at with
// --grpc-proto. Kept inline so the binary is self-contained.
const generatorProto = `syntax = "proto3";
package infer.v1;

service Generator {
  rpc Generate(GenerateRequest) returns (GenerateResponse);
  rpc GenerateStream(GenerateRequest) returns (stream GenerateResponse);
}

message GenerateRequest {
  string prompt = 1;
  int32 max_tokens = 2;
}

message GenerateResponse {
  string content = 1;
  int32 completion_tokens = 2;
}
`

func serveGRPC(addr string) error {
	parser := protoparse.Parser{
		Accessor: func(string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(generatorProto)), nil
		},
	}
	files, err := parser.ParseFiles("generator.proto")
	if err != nil {
		return fmt.Errorf("parse proto: %w", err)
	}
	svc := files[0].FindService("infer.v1.Generator")
	if svc == nil {
		return fmt.Errorf("service infer.v1.Generator missing from schema")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	registerGenerator(srv, svc)
	log.Printf("grpc mock listening on %s", addr)
	return srv.Serve(lis)
}

// registerGenerator wires dynamic handlers for the Generator service so
// no generated stubs are needed.
func registerGenerator(srv *grpc.Server, svc *desc.ServiceDescriptor) {
	unary := svc.FindMethodByName("Generate")
	streaming := svc.FindMethodByName("GenerateStream")

	sd := &grpc.ServiceDesc{
		ServiceName: svc.GetFullyQualifiedName(),
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Generate",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := dynamic.NewMessage(unary.GetInputType())
				if err := dec(in); err != nil {
					return nil, err
				}
				requestCount.Add(1)
				if shouldFail() {
					return nil, status.Error(codes.Unavailable, "synthetic failure")
				}
				n := responseChunks(in)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(*latency * time.Duration(n)):
				}
				out := dynamic.NewMessage(unary.GetOutputType())
				out.SetFieldByName("content", strings.Repeat("tok ", n))
				out.SetFieldByName("completion_tokens", int32(n))
				return out, nil
			},
		}},
		Streams: []grpc.StreamDesc{{
			StreamName:    "GenerateStream",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := dynamic.NewMessage(streaming.GetInputType())
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				requestCount.Add(1)
				if shouldFail() {
					return status.Error(codes.Unavailable, "synthetic failure")
				}
				n := responseChunks(in)
				for i := 0; i < n; i++ {
					select {
					case <-stream.Context().Done():
						return stream.Context().Err()
					case <-time.After(*latency):
					}
					out := dynamic.NewMessage(streaming.GetOutputType())
					out.SetFieldByName("content", fmt.Sprintf("tok%d ", i))
					out.SetFieldByName("completion_tokens", int32(1))
					if err := stream.SendMsg(out); err != nil {
						return err
					}
				}
				return nil
			},
		}},
	}
	srv.RegisterService(sd, struct{}{})
}

func responseChunks(in *dynamic.Message) int {
	n := *chunks
	if fd := in.GetMessageDescriptor().FindFieldByName("max_tokens"); fd != nil {
		if v, err := in.TryGetField(fd); err == nil {
			if m, ok := v.(int32); ok && m > 0 && int(m) < n {
				n = int(m)
			}
		}
	}
	return n
}
