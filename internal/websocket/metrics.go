package websocket

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts feed connections and deliveries. A nil *Metrics records
// nothing.
type Metrics struct {
	connectionsActive metric.Int64UpDownCounter
	messagesTotal     metric.Int64Counter
	droppedMessages   metric.Int64Counter
}

// NewMetrics creates the feed instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	connectionsActive, err := meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of connected dashboard clients"),
	)
	if err != nil {
		return nil, err
	}
	messagesTotal, err := meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("Feed messages delivered to client buffers"),
	)
	if err != nil {
		return nil, err
	}
	droppedMessages, err := meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Feed messages dropped because a buffer was full"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		connectionsActive: connectionsActive,
		messagesTotal:     messagesTotal,
		droppedMessages:   droppedMessages,
	}, nil
}

func (m *Metrics) connected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, delta)
}

func (m *Metrics) delivered(ctx context.Context, msgType string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.messagesTotal.Add(ctx, n, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) dropped(ctx context.Context, where string) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("where", where)))
}
