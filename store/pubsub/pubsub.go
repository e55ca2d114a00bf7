/*
Package pubsub carries store snapshots between instances over Google Cloud
Pub/Sub.

FLOW:

	writer instance                        reader instances
	store.Changes() ──► Publisher ──► topic ──► subscription ──► Source.Changes() ──► mirror

A Source pairs the subscription with a lister (normally the shared store) so
the mirror can load its initial state and then follow the topic.

DELIVERY:
  Pub/Sub delivers at least once and without ordering. Both are fine: the
  mirror drops snapshots whose revision it has already accepted. A message
  that cannot be decoded is acked and logged, since redelivery will not fix it.
*/
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/mirror"
)

// Config holds the Pub/Sub settings.
type Config struct {
	ProjectID       string
	Topic           string
	Subscription    string
	CredentialsJSON string
}

// NewClient opens a client. Without CredentialsJSON it uses Application
// Default Credentials. Extra options are appended (endpoints in tests).
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, nil
}

// EnsureTopic returns the topic, creating it if it does not exist.
func EnsureTopic(ctx context.Context, client *pubsub.Client, name string) (*pubsub.Topic, error) {
	if name == "" {
		return nil, errors.New("topic is required")
	}
	t := client.Topic(name)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", name, err)
	}
	if ok {
		return t, nil
	}
	t, err = client.CreateTopic(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", name, err)
	}
	return t, nil
}

// EnsureSubscription returns the subscription, creating it on topic if it
// does not exist.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	sub := client.Subscription(name)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", name, err)
	}
	if ok {
		return sub, nil
	}
	sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher sends snapshots to a topic.
type Publisher struct {
	topic *pubsub.Topic
	log   logrus.FieldLogger
}

func NewPublisher(topic *pubsub.Topic, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{topic: topic, log: log.WithField("component", "pubsub_publisher")}
}

// Publish sends one snapshot and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, s ledger.Snapshot) error {
	data, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"debtor_id": string(s.Record.ID)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish snapshot of %s: %w", s.Record.ID, err)
	}
	return nil
}

// Forward publishes every snapshot from changes until the channel closes or
// ctx is done. Failed publishes are logged and skipped; the next write of the
// same debtor carries the full record again.
func (p *Publisher) Forward(ctx context.Context, changes <-chan ledger.Snapshot) {
	defer p.topic.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-changes:
			if !ok {
				return
			}
			if err := p.Publish(ctx, s); err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{
					"debtor_id": s.Record.ID,
					"revision":  s.Record.Revision,
				}).Error("failed to publish snapshot")
			}
		}
	}
}

// =============================================================================
// SOURCE
// =============================================================================

// Lister loads the full set of debtor records.
type Lister interface {
	List(ctx context.Context) ([]ledger.DebtorRecord, error)
}

// Source implements mirror.Source: initial state from the lister, changes
// from the subscription.
type Source struct {
	lister Lister
	sub    *pubsub.Subscription
	log    logrus.FieldLogger
}

var _ mirror.Source = (*Source)(nil)

func NewSource(lister Lister, sub *pubsub.Subscription, log logrus.FieldLogger) *Source {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Source{lister: lister, sub: sub, log: log.WithField("component", "pubsub_source")}
}

func (s *Source) List(ctx context.Context) ([]ledger.DebtorRecord, error) {
	return s.lister.List(ctx)
}

// Changes starts receiving and returns the decoded snapshots. The channel is
// closed when ctx is done or the subscription fails.
func (s *Source) Changes(ctx context.Context) (<-chan ledger.Snapshot, error) {
	out := make(chan ledger.Snapshot)
	go func() {
		defer close(out)
		err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			snap, err := DecodeSnapshot(msg.Data)
			if err != nil {
				s.log.WithError(err).WithField("message_id", msg.ID).Error("dropping undecodable snapshot")
				msg.Ack()
				return
			}
			select {
			case out <- snap:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("subscription stopped")
		}
	}()
	return out, nil
}
