package bus

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// KeyAttribute carries the message key, Pub/Sub having no key of its own.
const KeyAttribute = "key"

func dialPubSub(ctx context.Context, project, credsFile string) (*pubsub.Client, error) {
	if project == "" {
		return nil, errors.New("pubsub: project is required")
	}
	var opts []option.ClientOption
	if credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}
	c, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new client: %w", err)
	}
	return c, nil
}

type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
}

func NewPubSubPublisher(client *pubsub.Client, topicID string) *PubSubPublisher {
	return &PubSubPublisher{client: client, topic: client.Topic(topicID)}
}

// DialPubSubPublisher opens its own client, released by Close.
func DialPubSubPublisher(ctx context.Context, project, topicID, credsFile string) (*PubSubPublisher, error) {
	c, err := dialPubSub(ctx, project, credsFile)
	if err != nil {
		return nil, err
	}
	p := NewPubSubPublisher(c, topicID)
	p.owned = true
	return p, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, key, data []byte) error {
	msg := &pubsub.Message{Data: data}
	if len(key) > 0 {
		msg.Attributes = map[string]string{KeyAttribute: string(key)}
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", p.topic.ID(), err)
	}
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if p.owned {
		return p.client.Close()
	}
	return nil
}

type PubSubSubscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	owned  bool
}

func NewPubSubSubscriber(client *pubsub.Client, subID string) *PubSubSubscriber {
	return &PubSubSubscriber{client: client, sub: client.Subscription(subID)}
}

func DialPubSubSubscriber(ctx context.Context, project, subID, credsFile string) (*PubSubSubscriber, error) {
	if subID == "" {
		return nil, errors.New("pubsub: subscription id is required")
	}
	c, err := dialPubSub(ctx, project, credsFile)
	if err != nil {
		return nil, err
	}
	s := NewPubSubSubscriber(c, subID)
	s.owned = true
	return s, nil
}

func (s *PubSubSubscriber) Receive(ctx context.Context, fn func(ctx context.Context, m Message) error) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, pm *pubsub.Message) {
		m := Message{Data: pm.Data, Attributes: pm.Attributes}
		if k, ok := pm.Attributes[KeyAttribute]; ok {
			m.Key = []byte(k)
		}
		if err := fn(ctx, m); err != nil {
			pm.Nack()
			return
		}
		pm.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive %s: %w", s.sub.ID(), err)
	}
	return nil
}

func (s *PubSubSubscriber) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
