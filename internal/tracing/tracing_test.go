package tracing

import (
	"context"
	"testing"

	"github.com/astigmatism/benchd/internal/config"
)

func TestInitWithoutEndpointInstallsNoopTracer(t *testing.T) {
	shutdown, err := Init(context.Background(), ServiceInfo{Name: "benchd-test"}, config.Tracing{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	_, span := StartSpan(context.Background(), "unit.test")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("expected a no-op span when no OTLP endpoint is configured")
	}
}

func TestStartSpanHelpersDoNotPanic(t *testing.T) {
	if _, err := Init(context.Background(), ServiceInfo{Name: "benchd-test"}, config.Tracing{}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := context.Background()
	_, s1 := StartDiscoverySpan(ctx)
	s1.End()
	_, s2 := StartSupervisorSpan(ctx, "kb", "keyboard", "ready")
	s2.End()
	_, s3 := StartOpSpan(ctx, "kb", "op-1", "press_key")
	s3.End()
	_, s4 := StartImagingSpan(ctx, "cf1", "write_image_to_device")
	s4.End()
}
