package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc/metadata"
)

// InjectHTTPHeaders writes W3C trace context into outgoing HTTP
// headers. A no-op unless a propagator was installed by Init.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// InjectGRPCMetadata writes W3C trace context into outgoing gRPC
// metadata.
func InjectGRPCMetadata(ctx context.Context, md metadata.MD) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for key, value := range carrier {
		md.Set(key, value)
	}
}
