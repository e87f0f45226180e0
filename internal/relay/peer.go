package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// RunPeerSync consumes broadcast envelopes published by other instances and
// delivers them to local subscribers. Own-origin envelopes are dropped: the
// publishing instance already delivered locally before the broker hop.
//
// Blocks until ctx is cancelled. The consumer group must be unique per
// instance so every instance sees every envelope.
func (r *Relay) RunPeerSync(ctx context.Context, consumer kafka.Consumer) error {
	return consumer.Subscribe(ctx, func(ctx context.Context, msg kafka.Message) error {
		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// Poison envelope: commit and move on, re-delivery cannot help.
			r.logger.Warn("dropping malformed peer envelope",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if env.Origin == r.instance {
			return nil
		}

		ev, err := DecodeEvent(env.Type, env.Event)
		if err != nil {
			r.logger.Warn("dropping undecodable peer event",
				slog.String("event_type", string(env.Type)),
				slog.String("error", err.Error()),
			)
			return nil
		}

		telemetry.RelayPeerEventsReceived.Inc()
		if r.hub != nil {
			r.hub.Deliver(ev)
		}
		return nil
	})
}
