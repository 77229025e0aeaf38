package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/domain"
)

const busPublishTimeout = 2 * time.Second

// DeliveryReport summarizes one fan-out.
type DeliveryReport struct {
	Targets      int
	Delivered    int
	Backpressure []uuid.UUID
	Closed       []uuid.UUID
}

// Failed reports whether at least one target did not get the frame.
func (r DeliveryReport) Failed() bool {
	return len(r.Backpressure) > 0 || len(r.Closed) > 0
}

// BroadcasterOptions configures a Broadcaster. Bus may be nil for a single instance.
type BroadcasterOptions struct {
	Policy     domain.DeliveryPolicy
	SlowPolicy domain.SlowClientPolicy
	InstanceID string
	Bus        domain.Bus
}

// Broadcaster delivers messages to connections taken from a registry snapshot.
// It only reads the registry; a closed target is removed by its own receive loop.
type Broadcaster struct {
	registry   *Registry
	policy     domain.DeliveryPolicy
	slowPolicy domain.SlowClientPolicy
	instanceID string
	bus        domain.Bus
	metrics    *metrics.RelayMetrics
}

func NewBroadcaster(registry *Registry, opts BroadcasterOptions, m *metrics.RelayMetrics) *Broadcaster {
	if opts.SlowPolicy == "" {
		opts.SlowPolicy = domain.DropFrame
	}
	return &Broadcaster{
		registry:   registry,
		policy:     opts.Policy,
		slowPolicy: opts.SlowPolicy,
		instanceID: opts.InstanceID,
		bus:        opts.Bus,
		metrics:    m,
	}
}

func (b *Broadcaster) Policy() domain.DeliveryPolicy { return b.policy }

func (b *Broadcaster) InstanceID() string { return b.instanceID }

// Deliver fans msg out to the targets selected by the delivery policy. A failure
// on one target never prevents delivery to the others.
func (b *Broadcaster) Deliver(ctx context.Context, msg domain.Message) DeliveryReport {
	report := b.deliverLocal(ctx, msg, b.targets(msg.Sender))

	if b.bus != nil && b.policy != domain.EchoToSender {
		pubCtx, cancel := context.WithTimeout(ctx, busPublishTimeout)
		defer cancel()
		if err := b.bus.Publish(pubCtx, msg); err != nil {
			b.metrics.BusPublishErrors.Inc()
			slog.WarnContext(ctx, "Failed to publish message to other instances", "error", err)
		}
	}

	return report
}

// DeliverRemote hands a message received from another instance to every local
// connection. Messages that originated here were already delivered by Deliver.
func (b *Broadcaster) DeliverRemote(ctx context.Context, msg domain.Message) DeliveryReport {
	if msg.Origin == b.instanceID {
		return DeliveryReport{}
	}
	b.metrics.RemoteMessages.Inc()
	return b.deliverLocal(ctx, msg, b.registry.Snapshot())
}

func (b *Broadcaster) targets(sender uuid.UUID) []*Connection {
	switch b.policy {
	case domain.EchoToSender:
		if conn, ok := b.registry.Get(sender); ok {
			return []*Connection{conn}
		}
		return nil
	case domain.BroadcastToOthers:
		snap := b.registry.Snapshot()
		targets := make([]*Connection, 0, len(snap))
		for _, conn := range snap {
			if conn.ID() != sender {
				targets = append(targets, conn)
			}
		}
		return targets
	default:
		return b.registry.Snapshot()
	}
}

func (b *Broadcaster) deliverLocal(ctx context.Context, msg domain.Message, targets []*Connection) DeliveryReport {
	report := DeliveryReport{Targets: len(targets)}

	for _, conn := range targets {
		err := conn.Send(msg.Frame)
		switch {
		case err == nil:
			report.Delivered++
			b.metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Inc()
		case errors.Is(err, domain.ErrBackpressure):
			report.Backpressure = append(report.Backpressure, conn.ID())
			b.metrics.Deliveries.WithLabelValues(metrics.ResultBackpressure).Inc()
			b.handleSlow(ctx, conn)
		case errors.Is(err, domain.ErrClosed):
			report.Closed = append(report.Closed, conn.ID())
			b.metrics.Deliveries.WithLabelValues(metrics.ResultClosed).Inc()
			slog.DebugContext(ctx, "Skipping closed target", "target_id", conn.ID().String())
		}
	}

	return report
}

func (b *Broadcaster) handleSlow(ctx context.Context, conn *Connection) {
	if b.slowPolicy != domain.DisconnectSlow {
		slog.WarnContext(ctx, "Dropping frame for slow client", "target_id", conn.ID().String(), "pending", conn.Pending())
		return
	}

	slog.WarnContext(ctx, "Disconnecting slow client", "target_id", conn.ID().String())
	b.metrics.SlowClientsEvicted.Inc()
	// Close waits for the drain; never block the sender's fan-out on it.
	go conn.Close("slow consumer")
}
