package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	stan "github.com/nats-io/stan.go"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
)

// NewFromConfig creates a worker reading from the subscriber cfg describes.
func NewFromConfig(ctx context.Context, cfg queue.WatermillConfig, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSubscriber(sub), WithTopicPrefix(cfg.TopicPrefix))
	return New(opts...), nil
}

// BuildSubscriber creates the watermill subscriber matching the publisher
// driver, retrying while the broker is unreachable.
func BuildSubscriber(ctx context.Context, cfg queue.WatermillConfig) (message.Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)
	attempts := cfg.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := time.Duration(cfg.Retry.DelayMS) * time.Millisecond

	sub, err := backoff.Retry(ctx, func() (message.Subscriber, error) {
		sub, err := buildSubscriber(cfg, logger)
		if err != nil {
			logger.Error("subscriber init failed", err, watermill.LogFields{"driver": cfg.Driver})
		}
		return sub, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(delay)), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, fmt.Errorf("watermill %s subscriber: %w", cfg.Driver, err)
	}
	return sub, nil
}

func buildSubscriber(cfg queue.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "gochannel":
		return nil, backoff.Permanent(queue.ErrInProcessDriver)
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, backoff.Permanent(errors.New("amqp url is required"))
		}
		amqpCfg, err := amqpSubscriberConfig(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return wmamqp.NewSubscriber(amqpCfg, logger)
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, backoff.Permanent(errors.New("nats cluster_id and client_id are required"))
		}
		natsCfg := wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    cfg.NATS.ClientID + "-worker",
			DurableName: cfg.NATS.Durable,
			Unmarshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		return wmnats.NewStreamingSubscriber(natsCfg, logger)
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, backoff.Permanent(errors.New("kafka brokers are required"))
		}
		return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, nil, wmkafka.DefaultMarshaler{}, logger)
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, backoff.Permanent(errors.New("sql driver and dsn are required"))
		}
		schemaAdapter, offsetsAdapter, err := sqlAdapters(cfg.SQL.Dialect)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
			ConsumerGroup:    cfg.SQL.ConsumerGroup,
			SchemaAdapter:    schemaAdapter,
			OffsetsAdapter:   offsetsAdapter,
			InitializeSchema: cfg.SQL.AutoInitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &closingSubscriber{Subscriber: sub, closeFn: db.Close}, nil
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported subscriber driver: %s", cfg.Driver))
	}
}

type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	err := c.Subscriber.Close()
	if c.closeFn != nil {
		return errors.Join(err, c.closeFn())
	}
	return err
}

func amqpSubscriberConfig(url, mode string) (wmamqp.Config, error) {
	switch strings.ToLower(mode) {
	case "", "durable_queue":
		return wmamqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamqp.NewNonDurableQueueConfig(url), nil
	case "durable_pubsub":
		return wmamqp.NewDurablePubSubConfig(url, nil), nil
	case "nondurable_pubsub":
		return wmamqp.NewNonDurablePubSubConfig(url, nil), nil
	default:
		return wmamqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}

func sqlAdapters(dialect string) (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}
