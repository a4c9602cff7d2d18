package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inferload/inferload/internal/tracing"
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCOptions configure the dynamic gRPC backend. The proto file is
// parsed at construction time so a bad schema fails fast instead of
// on the first dispatch.
type GRPCOptions struct {
	Target    string
	ProtoFile string
	Service   string
	Method    string
	// Template is a JSON object used as the request message body.
	// The placeholders {{prompt}} and {{max_tokens}} are substituted
	// per request before unmarshaling into the input type.
	Template string
	Metadata map[string]string
	Timeout  time.Duration
	UseTLS   bool
	Insecure bool
}

// GRPCInfer invokes an inference service through a dynamically loaded
// method descriptor. Unary and server-streaming methods are both
// supported; each streamed message contributes one receive timestamp.
type GRPCInfer struct {
	opt    GRPCOptions
	method *desc.MethodDescriptor

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewGRPCInfer(opt GRPCOptions) (*GRPCInfer, error) {
	if strings.TrimSpace(opt.Target) == "" {
		return nil, fmt.Errorf("client: grpc target is required")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 120 * time.Second
	}
	if strings.TrimSpace(opt.Template) == "" {
		opt.Template = `{"prompt": {{prompt}}, "max_tokens": {{max_tokens}}}`
	}

	method, err := loadMethodDescriptor(opt.ProtoFile, opt.Service, opt.Method)
	if err != nil {
		return nil, err
	}
	if method.IsClientStreaming() {
		return nil, fmt.Errorf("client: method %s is client-streaming, only unary and server-streaming are supported", opt.Method)
	}

	return &GRPCInfer{opt: opt, method: method}, nil
}

func loadMethodDescriptor(protoFile, service, method string) (*desc.MethodDescriptor, error) {
	protoPath := strings.TrimSpace(protoFile)
	if protoPath == "" {
		return nil, fmt.Errorf("client: grpc proto file is required")
	}
	parser := protoparse.Parser{
		ImportPaths: []string{filepath.Dir(protoPath)},
	}
	files, err := parser.ParseFiles(filepath.Base(protoPath))
	if err != nil {
		return nil, fmt.Errorf("parse proto: %w", err)
	}
	serviceName := strings.TrimSpace(service)
	methodName := strings.TrimSpace(method)
	for _, file := range files {
		for _, svc := range file.GetServices() {
			if !matchesServiceName(svc, serviceName) {
				continue
			}
			if m := svc.FindMethodByName(methodName); m != nil {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("method %s not found in service %s", methodName, serviceName)
}

func matchesServiceName(svc *desc.ServiceDescriptor, target string) bool {
	if target == "" {
		return false
	}
	if svc.GetFullyQualifiedName() == target {
		return true
	}
	return svc.GetName() == target || strings.HasSuffix(target, "."+svc.GetName())
}

func (c *GRPCInfer) connect() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	var opts []grpc.DialOption
	if c.opt.UseTLS {
		if c.opt.Insecure {
			creds := credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
			opts = append(opts, grpc.WithTransportCredentials(creds))
		} else {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(c.opt.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc connect: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *GRPCInfer) Send(ctx context.Context, req *Request) (*Result, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}

	msg, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	md := metadata.New(c.opt.Metadata)
	if req.Correlation != nil {
		md.Set("correlation-id", fmt.Sprintf("%d", req.Correlation.ID))
		if req.Correlation.Start {
			md.Set("sequence-start", "true")
		}
		if req.Correlation.End {
			md.Set("sequence-end", "true")
		}
	}
	tracing.InjectGRPCMetadata(ctx, md)
	callCtx := metadata.NewOutgoingContext(ctx, md)
	if c.opt.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.opt.Timeout)
		defer cancel()
	}

	fullMethod := fmt.Sprintf("/%s/%s", c.method.GetService().GetFullyQualifiedName(), c.method.GetName())
	if c.method.IsServerStreaming() {
		return c.invokeStream(callCtx, conn, fullMethod, msg)
	}
	return c.invokeUnary(callCtx, conn, fullMethod, msg)
}

func (c *GRPCInfer) buildRequest(req *Request) (*dynamic.Message, error) {
	body := c.opt.Template
	body = strings.ReplaceAll(body, "{{prompt}}", jsonQuote(req.Prompt))
	body = strings.ReplaceAll(body, "{{max_tokens}}", fmt.Sprintf("%d", req.MaxTokens))

	msg := dynamic.NewMessage(c.method.GetInputType())
	if err := msg.UnmarshalJSON([]byte(body)); err != nil {
		return nil, fmt.Errorf("grpc request payload: %w", err)
	}
	return msg, nil
}

func (c *GRPCInfer) invokeUnary(ctx context.Context, conn *grpc.ClientConn, fullMethod string, msg *dynamic.Message) (*Result, error) {
	resp := dynamic.NewMessage(c.method.GetOutputType())
	if err := conn.Invoke(ctx, fullMethod, msg, resp); err != nil {
		return nil, grpcCallError(err, nil)
	}
	return &Result{
		Received:     []time.Time{time.Now()},
		OutputTokens: extractTokenCount(resp),
	}, nil
}

var serverStreamDesc = &grpc.StreamDesc{ServerStreams: true}

func (c *GRPCInfer) invokeStream(ctx context.Context, conn *grpc.ClientConn, fullMethod string, msg *dynamic.Message) (*Result, error) {
	stream, err := conn.NewStream(ctx, serverStreamDesc, fullMethod)
	if err != nil {
		return nil, grpcCallError(err, nil)
	}
	if err := stream.SendMsg(msg); err != nil {
		return nil, grpcCallError(err, nil)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, grpcCallError(err, nil)
	}

	res := &Result{}
	for {
		chunk := dynamic.NewMessage(c.method.GetOutputType())
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			if len(res.Received) == 0 {
				return nil, &StreamError{Cause: fmt.Errorf("stream closed before any response")}
			}
			return res, nil
		}
		if err != nil {
			return nil, grpcCallError(err, res.Received)
		}
		res.Received = append(res.Received, time.Now())
		res.OutputTokens += extractTokenCount(chunk)
	}
}

// extractTokenCount pulls a completion token count out of a response
// when the schema carries one under a conventional field name.
func extractTokenCount(msg *dynamic.Message) int {
	for _, name := range []string{"completion_tokens", "output_tokens", "num_tokens"} {
		if fd := msg.GetMessageDescriptor().FindFieldByName(name); fd != nil {
			if v, err := msg.TryGetField(fd); err == nil {
				switch n := v.(type) {
				case int32:
					return int(n)
				case int64:
					return int(n)
				case uint32:
					return int(n)
				case uint64:
					return int(n)
				}
			}
		}
	}
	return 1
}

func grpcCallError(err error, received []time.Time) error {
	if len(received) > 0 {
		return &StreamError{Received: received, Cause: err}
	}
	if st, ok := status.FromError(err); ok && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc %s: %s", st.Code(), st.Message())
	}
	return err
}

func jsonQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func (c *GRPCInfer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
