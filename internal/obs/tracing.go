package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/tpm-broker/config"
)

// ProvideTracerProvider installs (and returns) the process-wide tracer
// provider. Whatever Tracing.Enabled says, it installs the SDK provider
// with no span processors and no exporter: spans are created and
// propagated through context but never exported, so callers don't need
// an `if tracing.Enabled` branch at every call site.
func ProvideTracerProvider(cfg *config.Config) (trace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("tpm-broker"),
			semconv.ServiceInstanceID(cfg.Tracing.ServiceInstance),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return tp, nil
}

// Tracer is the handle every broker component uses to start spans around
// a process(cmd) invocation or a Device proxy call.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/webitel/tpm-broker")
}
