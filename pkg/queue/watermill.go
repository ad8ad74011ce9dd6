package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	stan "github.com/nats-io/stan.go"
)

// PublisherFactory builds a watermill publisher for a custom driver name.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{}

// ErrInProcessDriver is returned for drivers that cannot reach a worker in
// another process. Tests wrap an in-process pub/sub with NewWatermillBackend.
var ErrInProcessDriver = errors.New("watermill driver must name a broker; gochannel only delivers inside one process")

// RegisterPublisherDriver adds or replaces a watermill driver.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// WatermillBackend publishes jobs as JSON messages, one topic per queue.
type WatermillBackend struct {
	publisher message.Publisher
	closeFn   func() error
	prefix    string
}

// OpenWatermill builds the configured publisher, retrying while the broker is
// unreachable.
func OpenWatermill(ctx context.Context, cfg WatermillConfig) (*WatermillBackend, error) {
	logger := watermill.NewStdLogger(false, false)
	attempts := cfg.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := time.Duration(cfg.Retry.DelayMS) * time.Millisecond

	backend, err := backoff.Retry(ctx, func() (*WatermillBackend, error) {
		pub, closeFn, err := newPublisher(cfg, logger)
		if err != nil {
			var unsupported unsupportedDriverError
			if errors.As(err, &unsupported) {
				return nil, backoff.Permanent(err)
			}
			logger.Error("publisher init failed, retrying", err, watermill.LogFields{"driver": cfg.Driver})
			return nil, err
		}
		return &WatermillBackend{publisher: pub, closeFn: closeFn, prefix: cfg.TopicPrefix}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(delay)), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, fmt.Errorf("watermill %s publisher: %w", cfg.Driver, err)
	}
	return backend, nil
}

// NewWatermillBackend wraps an existing publisher.
func NewWatermillBackend(publisher message.Publisher, topicPrefix string) *WatermillBackend {
	return &WatermillBackend{publisher: publisher, prefix: topicPrefix}
}

// Queues returns the discovery and installation queues.
func (b *WatermillBackend) Queues() Queues {
	return Queues{
		Discovery:    watermillQueue{backend: b, topic: b.prefix + DiscoveryQueue},
		Installation: watermillQueue{backend: b, topic: b.prefix + InstallationQueue},
	}
}

// Close closes the publisher and any connection it owns.
func (b *WatermillBackend) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	err := b.publisher.Close()
	if b.closeFn != nil {
		return errors.Join(err, b.closeFn())
	}
	return err
}

type watermillQueue struct {
	backend *WatermillBackend
	topic   string
}

func (q watermillQueue) Add(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("queue", q.topic)
	if err := q.backend.publisher.Publish(q.topic, msg); err != nil {
		return fmt.Errorf("publish %s job: %w", q.topic, err)
	}
	return nil
}

type unsupportedDriverError struct {
	driver string
}

func (e unsupportedDriverError) Error() string {
	return fmt.Sprintf("unsupported watermill driver: %s", e.driver)
}

func newPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "gochannel":
		return nil, nil, backoff.Permanent(ErrInProcessDriver)
	case "http":
		mode := strings.ToLower(cfg.HTTP.Mode)
		if mode != "topic_url" && mode != "base_url" {
			return nil, nil, unsupportedDriverError{driver: "http mode " + cfg.HTTP.Mode}
		}
		if mode == "base_url" && cfg.HTTP.BaseURL == "" {
			return nil, nil, backoff.Permanent(errors.New("http base_url is required for base_url mode"))
		}
		pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
				target, err := httpTargetURL(cfg.HTTP, topic)
				if err != nil {
					return nil, err
				}
				return wmhttp.DefaultMarshalMessageFunc(target, msg)
			},
		}, logger)
		return pub, nil, err
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, backoff.Permanent(errors.New("kafka brokers are required"))
		}
		pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
		return pub, nil, err
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, nil, backoff.Permanent(errors.New("nats cluster_id and client_id are required"))
		}
		natsCfg := wmnats.StreamingPublisherConfig{
			ClusterID: cfg.NATS.ClusterID,
			ClientID:  cfg.NATS.ClientID,
			Marshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		pub, err := wmnats.NewStreamingPublisher(natsCfg, logger)
		return pub, nil, err
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, nil, backoff.Permanent(errors.New("amqp url is required"))
		}
		amqpCfg, err := amqpConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, nil, backoff.Permanent(err)
		}
		pub, err := wmamqp.NewPublisher(amqpCfg, logger)
		return pub, nil, err
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, nil, backoff.Permanent(errors.New("sql driver and dsn are required"))
		}
		schemaAdapter, err := sqlSchemaAdapter(cfg.SQL.Dialect)
		if err != nil {
			return nil, nil, backoff.Permanent(err)
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
			SchemaAdapter:        schemaAdapter,
			AutoInitializeSchema: cfg.SQL.AutoInitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pub, db.Close, nil
	default:
		if factory, ok := publisherFactories[strings.ToLower(cfg.Driver)]; ok {
			return factory(cfg, logger)
		}
		return nil, nil, unsupportedDriverError{driver: cfg.Driver}
	}
}

func amqpConfigFromMode(url, mode string) (wmamqp.Config, error) {
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

func sqlSchemaAdapter(dialect string) (wmsql.SchemaAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", errors.New("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", errors.New("http base_url is empty")
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}
