package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
	"go.opentelemetry.io/otel"
)

func TestSetup(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		var buf bytes.Buffer
		shutdown, err := Setup(domain.TracingConfig{Enabled: false}, &buf)
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})

	t.Run("ExportsSpans", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		defer otel.SetTracerProvider(prev)

		var buf bytes.Buffer
		shutdown, err := Setup(domain.TracingConfig{Enabled: true, ServiceName: "harrier-test"}, &buf)
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}

		_, span := otel.Tracer("test").Start(context.Background(), "case.analysis")
		span.End()

		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "case.analysis") || !strings.Contains(out, "harrier-test") {
			t.Errorf("expected exported span with service name, got %q", out)
		}
	})
}
