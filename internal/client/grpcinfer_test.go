package client_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inferload/inferload/internal/client"
)

const inferProto = `syntax = "proto3";

package infer.v1;

message GenerateRequest {
  string prompt = 1;
  int32 max_tokens = 2;
}

message GenerateResponse {
  string text = 1;
  int32 completion_tokens = 2;
}

service Generator {
  rpc Generate(GenerateRequest) returns (GenerateResponse);
  rpc GenerateStream(GenerateRequest) returns (stream GenerateResponse);
  rpc Upload(stream GenerateRequest) returns (GenerateResponse);
}
`

func writeProto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "infer.proto")
	if err := os.WriteFile(path, []byte(inferProto), 0o644); err != nil {
		t.Fatalf("Failed to write proto file: %v", err)
	}
	return path
}

func TestNewGRPCInferLoadsMethodDescriptor(t *testing.T) {
	proto := writeProto(t)
	cases := []struct {
		name    string
		service string
		method  string
	}{
		{"unary", "infer.v1.Generator", "Generate"},
		{"server streaming", "infer.v1.Generator", "GenerateStream"},
		{"short service name", "Generator", "Generate"},
	}
	for _, tc := range cases {
		_, err := client.NewGRPCInfer(client.GRPCOptions{
			Target:    "localhost:9000",
			ProtoFile: proto,
			Service:   tc.service,
			Method:    tc.method,
		})
		if err != nil {
			t.Errorf("NewGRPCInfer(%s) failed: %v", tc.name, err)
		}
	}
}

func TestNewGRPCInferRejectsClientStreaming(t *testing.T) {
	_, err := client.NewGRPCInfer(client.GRPCOptions{
		Target:    "localhost:9000",
		ProtoFile: writeProto(t),
		Service:   "infer.v1.Generator",
		Method:    "Upload",
	})
	if err == nil {
		t.Error("Expected error for a client-streaming method")
	}
}

func TestNewGRPCInferValidatesOptions(t *testing.T) {
	proto := writeProto(t)

	if _, err := client.NewGRPCInfer(client.GRPCOptions{ProtoFile: proto, Service: "Generator", Method: "Generate"}); err == nil {
		t.Error("Expected error without target")
	}
	if _, err := client.NewGRPCInfer(client.GRPCOptions{Target: "localhost:9000", Service: "Generator", Method: "Generate"}); err == nil {
		t.Error("Expected error without proto file")
	}
	if _, err := client.NewGRPCInfer(client.GRPCOptions{Target: "localhost:9000", ProtoFile: proto, Service: "Generator", Method: "Missing"}); err == nil {
		t.Error("Expected error for an unknown method")
	}
	if _, err := client.NewGRPCInfer(client.GRPCOptions{Target: "localhost:9000", ProtoFile: proto, Service: "Other", Method: "Generate"}); err == nil {
		t.Error("Expected error for an unknown service")
	}
}
