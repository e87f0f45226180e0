package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// envelope is the broker wire format for cross-instance fan-out. Origin lets
// the publishing instance drop its own envelopes on consumption.
type envelope struct {
	Origin string           `json:"origin"`
	Type   domain.EventType `json:"type"`
	Event  json.RawMessage  `json:"event"`
}

// Relay implements domain.EventPublisher: events go to local subscribers
// first, then over Kafka so peer instances reach theirs. Services without
// WebSocket connections (runner, janitor) run a Relay with a nil hub and
// publish broker-only.
type Relay struct {
	hub      *Hub
	producer kafka.Producer
	instance string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires a broadcast relay. instanceID must be unique per process; it
// doubles as the Kafka consumer group suffix.
func New(hub *Hub, producer kafka.Producer, instanceID string, logger *slog.Logger) *Relay {
	return &Relay{
		hub:      hub,
		producer: producer,
		instance: instanceID,
		logger:   logger,
		tracer:   otel.Tracer("relay"),
	}
}

// Publish delivers the event locally and propagates it to peers. The broker
// is best-effort: a publish failure is logged and counted, never surfaced,
// and local delivery has already happened by then.
func (r *Relay) Publish(ctx context.Context, ev domain.Event) {
	ctx, span := r.tracer.Start(ctx, "relay.publish")
	span.SetAttributes(attribute.String("event.type", string(ev.Type())))
	defer span.End()

	telemetry.RelayEventsPublished.WithLabelValues(string(ev.Type())).Inc()

	if r.hub != nil {
		r.hub.Deliver(ev)
	}
	if r.producer == nil {
		return
	}

	raw, err := EncodeEvent(ev)
	if err != nil {
		r.logger.Error("event encode failed", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(envelope{Origin: r.instance, Type: ev.Type(), Event: raw})
	if err != nil {
		r.logger.Error("envelope encode failed", slog.String("error", err.Error()))
		return
	}

	// Keyed by task (or session/agent) id: peers see events for one task in
	// publish order.
	key := ev.Routing().OrderingKey()
	if err := r.producer.Publish(ctx, kafka.TopicEvents, key, data); err != nil {
		telemetry.RelayBrokerErrors.Inc()
		r.logger.Error("broker publish failed, local delivery unaffected",
			slog.String("event_type", string(ev.Type())),
			slog.String("error", err.Error()),
		)
	}
}
