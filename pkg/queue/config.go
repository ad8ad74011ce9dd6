package queue

// Config selects and configures the queue backend.
type Config struct {
	// Driver is "river" (default) or "watermill".
	Driver    string          `yaml:"driver"`
	River     RiverConfig     `yaml:"river"`
	Watermill WatermillConfig `yaml:"watermill"`
}

// RiverConfig configures the insert-only river client.
type RiverConfig struct {
	DSN         string   `yaml:"dsn"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// WatermillConfig holds the configuration for the watermill publisher.
// Driver must name a broker (amqp, kafka, nats, sql or http); jobs are
// consumed by a worker in another process.
type WatermillConfig struct {
	Driver      string      `yaml:"driver"`
	TopicPrefix string      `yaml:"topic_prefix"`
	Kafka       KafkaConfig `yaml:"kafka"`
	NATS        NATSConfig  `yaml:"nats"`
	AMQP        AMQPConfig  `yaml:"amqp"`
	SQL         SQLConfig   `yaml:"sql"`
	HTTP        HTTPConfig  `yaml:"http"`
	Retry       RetryConfig `yaml:"connect_retry"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
	// Durable names the subscription consumers resume from.
	Durable string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
	ConsumerGroup        string `yaml:"consumer_group"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RetryConfig bounds connection attempts when a broker is not yet reachable.
type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "river"
	}
	if c.River.MaxAttempts == 0 {
		c.River.MaxAttempts = 25
	}
	if c.Watermill.HTTP.Mode == "" {
		c.Watermill.HTTP.Mode = "base_url"
	}
	if c.Watermill.Retry.Attempts == 0 {
		c.Watermill.Retry.Attempts = 10
	}
	if c.Watermill.Retry.DelayMS == 0 {
		c.Watermill.Retry.DelayMS = 2000
	}
}
