package httptoolkit

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/maranix/http-toolkit"

// TracingConfig configures the Tracing middleware.
type TracingConfig struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Propagator defaults to W3C trace context plus baggage.
	Propagator propagation.TextMapPropagator
	// SpanName defaults to "HTTP <method>".
	SpanName func(req *http.Request) string
}

// Tracing returns a Wrapper that opens a client span around the rest of the
// pipeline and injects the span context into the outgoing headers.
func Tracing(cfg TracingConfig) Wrapper {
	provider := cfg.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	propagator := cfg.Propagator
	if propagator == nil {
		propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	spanName := cfg.SpanName
	if spanName == nil {
		spanName = func(req *http.Request) string { return "HTTP " + req.Method }
	}
	tracer := provider.Tracer(tracerName)

	return MiddlewareFunc(func(req *http.Request, next RoundTripper) (*http.Response, error) {
		ctx, span := tracer.Start(req.Context(), spanName(req),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.full", req.URL.Redacted()),
				attribute.String("server.address", req.URL.Hostname()),
			),
		)
		defer span.End()

		out := req.Clone(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(out.Header))

		resp, err := next.RoundTrip(out)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return resp, err
		}

		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
		return resp, nil
	})
}
