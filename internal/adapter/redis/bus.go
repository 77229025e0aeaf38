package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/wsrelay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// envelope is the wire form of a relayed message. Payload is base64 in JSON.
type envelope struct {
	Origin     string    `json:"origin"`
	Sender     uuid.UUID `json:"sender"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

func encode(msg domain.Message) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Origin:     msg.Origin,
		Sender:     msg.Sender,
		Type:       msg.Frame.Type.String(),
		Payload:    msg.Frame.Payload,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decode(data string) (domain.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return domain.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	var ft domain.FrameType
	switch env.Type {
	case domain.TextFrame.String():
		ft = domain.TextFrame
	case domain.BinaryFrame.String():
		ft = domain.BinaryFrame
	default:
		return domain.Message{}, fmt.Errorf("unknown frame type %q", env.Type)
	}

	return domain.Message{
		Sender:     env.Sender,
		Origin:     env.Origin,
		Frame:      domain.Frame{Type: ft, Payload: env.Payload},
		ReceivedAt: env.ReceivedAt,
	}, nil
}

// Bus publishes relayed messages to a Redis Pub/Sub channel shared by all instances.
type Bus struct {
	rdb     *goredis.Client
	channel string
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(rdb *goredis.Client, channel string) *Bus {
	return &Bus{rdb: rdb, channel: channel}
}

func (b *Bus) Publish(ctx context.Context, msg domain.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

// Ping is the readiness check for the bus.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Handler receives every message published on the channel, including this
// instance's own. Filtering by origin is up to the handler.
type Handler func(ctx context.Context, msg domain.Message)

// Subscription is an active channel subscription. It is stopped by Shutdown.
type Subscription struct {
	sub    *goredis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe confirms the subscription with Redis before returning, so that
// nothing published afterwards is missed.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) (*Subscription, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Subscription{sub: sub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		msgCh := sub.Channel()
		for {
			select {
			case raw, ok := <-msgCh:
				if !ok {
					return
				}
				msg, err := decode(raw.Payload)
				if err != nil {
					slog.WarnContext(subCtx, "Dropping malformed bus message", "channel", raw.Channel, "error", err)
					continue
				}
				handler(subCtx, msg)
			case <-subCtx.Done():
				return
			}
		}
	}()

	slog.Info("Subscribed to relay bus", "channel", b.channel)
	return s, nil
}

// Shutdown unsubscribes and waits for the receive goroutine to exit.
func (s *Subscription) Shutdown(ctx context.Context) error {
	var closeErr error
	s.once.Do(func() {
		s.cancel()
		closeErr = s.sub.Close()
	})

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("bus subscription did not stop: %w", ctx.Err())
	}

	if closeErr != nil && !errors.Is(closeErr, goredis.ErrClosed) {
		return fmt.Errorf("failed to close bus subscription: %w", closeErr)
	}
	return nil
}
