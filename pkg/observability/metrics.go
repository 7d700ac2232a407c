package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the kernel's counters. A nil *Metrics records nothing, so
// components can carry one unconditionally.
type Metrics struct {
	messages    metric.Int64Counter
	dispatches  metric.Int64Counter
	preemptions metric.Int64Counter
	boosts      metric.Int64Counter
	syscalls    metric.Int64Counter
	modules     metric.Int64UpDownCounter
}

// NewMetrics registers the kernel instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.messages, err = meter.Int64Counter("esta.ipc.messages",
		metric.WithDescription("Messages submitted to the router, by outcome"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter("esta.scheduler.dispatches",
		metric.WithDescription("Entries dispatched, by lane"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.preemptions, err = meter.Int64Counter("esta.scheduler.preemptions",
		metric.WithDescription("Running entries returned to Ready"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.boosts, err = meter.Int64Counter("esta.scheduler.boosts",
		metric.WithDescription("Aging promotions"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.syscalls, err = meter.Int64Counter("esta.syscalls",
		metric.WithDescription("Syscalls, by name and outcome"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.modules, err = meter.Int64UpDownCounter("esta.modules.loaded",
		metric.WithDescription("Loaded module instances"),
		metric.WithUnit("{module}")); err != nil {
		return nil, err
	}
	return m, nil
}

// Message counts a router outcome such as "accepted", "denied" or
// "dead-lettered", with the machine-readable reason when there is one.
func (m *Metrics) Message(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) Dispatch(ctx context.Context, lane string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

func (m *Metrics) Preempt(ctx context.Context, lane string) {
	if m == nil {
		return
	}
	m.preemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

func (m *Metrics) Boost(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.boosts.Add(ctx, int64(n))
}

func (m *Metrics) Syscall(ctx context.Context, name, outcome string) {
	if m == nil {
		return
	}
	m.syscalls.Add(ctx, 1, metric.WithAttributes(attribute.String("syscall", name), attribute.String("outcome", outcome)))
}

// ModuleDelta adjusts the loaded-instance gauge.
func (m *Metrics) ModuleDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.modules.Add(ctx, delta)
}
