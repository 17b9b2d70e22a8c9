package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names for the operations this package instruments.
const (
	SpanDiscoveryCycle  = "discovery.cycle"
	SpanSupervisorPhase = "supervisor.phase_transition"
	SpanOpExecute       = "opqueue.execute"
	SpanImagingOp       = "imager.op"
)

// Attribute keys shared across spans.
const (
	AttrDeviceID   = attribute.Key("benchd.device_id")
	AttrDeviceKind = attribute.Key("benchd.device_kind")
	AttrPhase      = attribute.Key("benchd.phase")
	AttrOpKind     = attribute.Key("benchd.op_kind")
	AttrOpID       = attribute.Key("benchd.op_id")
)

func DeviceID(id string) attribute.KeyValue   { return AttrDeviceID.String(id) }
func DeviceKind(k string) attribute.KeyValue  { return AttrDeviceKind.String(k) }
func Phase(p string) attribute.KeyValue       { return AttrPhase.String(p) }
func OpKind(k string) attribute.KeyValue      { return AttrOpKind.String(k) }
func OpID(id string) attribute.KeyValue       { return AttrOpID.String(id) }

// StartDiscoverySpan wraps one discovery poll cycle.
func StartDiscoverySpan(ctx context.Context) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanDiscoveryCycle)
}

// StartSupervisorSpan wraps a per-device supervisor phase transition.
func StartSupervisorSpan(ctx context.Context, deviceID, deviceKind, phase string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSupervisorPhase, trace.WithAttributes(
		DeviceID(deviceID), DeviceKind(deviceKind), Phase(phase),
	))
}

// StartOpSpan wraps one op-queue execution.
func StartOpSpan(ctx context.Context, deviceID, opID, opKind string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanOpExecute, trace.WithAttributes(
		DeviceID(deviceID), OpID(opID), OpKind(opKind),
	))
}

// StartImagingSpan wraps one imaging (read/write) operation.
func StartImagingSpan(ctx context.Context, deviceID, opKind string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanImagingOp, trace.WithAttributes(
		DeviceID(deviceID), OpKind(opKind),
	))
}
