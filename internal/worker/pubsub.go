package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/tips"
)

// Message types carried on the invalidation topic.
const (
	EventTipsChanged = "tips_changed"
	JobWarmup        = "warmup"
	JobSweep         = "sweep"
)

// Message is the JSON body of a Pub/Sub message. Either Event or JobType is set.
type Message struct {
	Event   string `json:"event,omitempty"`
	JobType string `json:"job_type,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Origin is the instance that published the message.
	Origin string `json:"origin,omitempty"`
}

// ErrUnknownMessage is returned by Dispatch for messages it does not handle.
var ErrUnknownMessage = errors.New("unknown message type")

// Invalidator clears the local tip cache. *tips.Service implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, event tips.InvalidationEvent) (int, error)
}

// Dispatcher routes decoded messages to the local caches and jobs.
type Dispatcher struct {
	// InstanceID identifies this process; messages it published are ignored.
	InstanceID  string
	Invalidator Invalidator
	Warmup      *WarmupJob
	Sweeper     *Sweeper
	Logger      zerolog.Logger
}

// Dispatch handles one message body. Malformed bodies are returned as errors
// so the caller can nack them; unknown types return ErrUnknownMessage.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	if msg.Origin != "" && msg.Origin == d.InstanceID {
		return nil
	}

	switch {
	case msg.Event == EventTipsChanged:
		if d.Invalidator == nil {
			return nil
		}
		reason := msg.Reason
		if reason == "" {
			reason = "remote"
		}
		_, err := d.Invalidator.Invalidate(ctx, tips.InvalidationEvent{Reason: reason, Remote: true})
		return err

	case msg.JobType == JobWarmup:
		if d.Warmup == nil {
			return nil
		}
		result := d.Warmup.Run(ctx)
		if result.Failed > result.Succeeded {
			return fmt.Errorf("too many warmup failures: %d/%d", result.Failed, result.Total)
		}
		return nil

	case msg.JobType == JobSweep:
		if d.Sweeper == nil {
			return nil
		}
		_, err := d.Sweeper.RunOnce(ctx)
		return err
	}
	return ErrUnknownMessage
}

// PubSubHandler receives messages from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is done.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if h.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// handle reports whether the message should be acked.
func (h *PubSubHandler) handle(ctx context.Context, id string, data []byte) bool {
	start := time.Now()
	logger := h.logger.With().Str("message_id", id).Logger()

	err := h.dispatcher.Dispatch(ctx, data)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		// Ack so it is not redelivered forever.
		logger.Warn().Msg("unknown message type")
		return true
	case err != nil:
		logger.Error().Err(err).Msg("message handling failed")
		return false
	}

	logger.Debug().Dur("duration", time.Since(start)).Msg("message handled")
	return true
}

// Sender delivers an encoded message.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Publisher announces tip changes to other instances.
type Publisher struct {
	sender     Sender
	instanceID string
	logger     zerolog.Logger
	stop       func()
}

// NewPublisher creates a Publisher around sender.
func NewPublisher(sender Sender, instanceID string, logger zerolog.Logger) *Publisher {
	return &Publisher{sender: sender, instanceID: instanceID, logger: logger}
}

// NewPubSubPublisher creates a Publisher for a Pub/Sub topic.
func NewPubSubPublisher(ctx context.Context, projectID, topic, instanceID string, logger zerolog.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	sender := &topicSender{publisher: client.Publisher(topic)}

	p := NewPublisher(sender, instanceID, logger)
	p.stop = func() {
		sender.publisher.Stop()
		_ = client.Close() //nolint:errcheck // best effort on shutdown
	}
	return p, nil
}

// Publish sends msg stamped with this instance as origin.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	msg.Origin = p.instanceID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return p.sender.Send(ctx, data)
}

// Listener returns a tip invalidation listener that publishes local
// invalidations. Remote invalidations are not republished.
func (p *Publisher) Listener() tips.InvalidationListener {
	return func(ctx context.Context, event tips.InvalidationEvent) {
		if event.Remote {
			return
		}
		err := p.Publish(context.WithoutCancel(ctx), Message{Event: EventTipsChanged, Reason: event.Reason})
		if err != nil {
			p.logger.Error().Err(err).Str("reason", event.Reason).Msg("failed to publish tip invalidation")
		}
	}
}

// Close stops the underlying Pub/Sub publisher, if any.
func (p *Publisher) Close() {
	if p.stop != nil {
		p.stop()
	}
}

type topicSender struct {
	publisher *pubsub.Publisher
}

func (s *topicSender) Send(ctx context.Context, data []byte) error {
	_, err := s.publisher.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
	return err
}
