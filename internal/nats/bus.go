package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

const (
	// StreamName is the name of the mailbox event stream.
	StreamName = "MAILBOX"

	// SubjectPrefix is the prefix for all mailbox event subjects.
	SubjectPrefix = "mbox.evt"
)

// Subject returns the subject an event kind is published on.
func Subject(kind events.Kind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, kind)
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the mailbox event stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Mailbox and notification events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Bus is an events.Bus that publishes through JetStream and fans events out
// to every node with a core NATS subscription.
type Bus struct {
	client  *Client
	streams *StreamManager
	logger  *logger.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewBus creates a bus and makes sure the backing stream exists.
func NewBus(ctx context.Context, client *Client, log *logger.Logger) (*Bus, error) {
	streams := NewStreamManager(client)
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return &Bus{
		client:  client,
		streams: streams,
		logger:  log,
		subs:    make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish persists the event in the stream.
func (b *Bus) Publish(ctx context.Context, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}

	_, err = b.client.JetStream().Publish(ctx, Subject(e.Kind()), data)
	metrics.RecordPublish(string(e.Kind()), err)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind(), err)
	}
	return nil
}

// Subscribe delivers every mailbox event published by any node to h.
func (b *Bus) Subscribe(h events.Handler) (func(), error) {
	sub, err := b.client.Conn().Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		e, err := events.Decode(msg.Data)
		if err != nil {
			b.logger.Warn("Dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		h(e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				b.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
		})
	}, nil
}

// IsConnected reports whether the NATS connection is up.
func (b *Bus) IsConnected() bool {
	return b.client.IsConnected()
}

// Close drains subscriptions. The connection itself is owned by the Client.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for sub := range b.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(b.subs, sub)
	}
	return errors.Join(errs...)
}
