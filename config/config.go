// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package config holds the service configuration.

Values are layered: the defaults from Default, then an optional YAML file,
then environment variables.

	cfg, err := config.Load("/etc/canopy/canopy.yaml")
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" description:"trace, debug, info, warn or error"`

	Database Database `yaml:"database"`
	HTTP     HTTP     `yaml:"http"`
	MQTT     MQTT     `yaml:"mqtt"`
	Rates    Rates    `yaml:"rates"`
	Auth     Auth     `yaml:"auth"`
	Storage  Storage  `yaml:"storage"`
	Archive  Archive  `yaml:"archive"`
	Kafka    Kafka    `yaml:"kafka"`
	Influx   Influx   `yaml:"influx"`
	SQS      SQS      `yaml:"sqs"`
}

// Database configures PostgreSQL. An empty connection string selects the in-memory store.
type Database struct {
	Postgres         string `yaml:"postgres" env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `yaml:"postgres_password" env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	Schema           string `yaml:"schema" env:"POSTGRES_SCHEMA" description:"schema for all relations"`
}

// HTTP configures the REST interface
type HTTP struct {
	Bind        string `yaml:"bind" env:"HTTP_BIND" description:"listen address of the HTTP API"`
	AdminToken  string `yaml:"admin_token" env:"ADMIN_TOKEN" description:"bearer token for administrative routes, empty disables the check"`
	CORS        bool   `yaml:"cors" env:"HTTP_CORS" description:"answer CORS preflight requests"`
	Compression bool   `yaml:"compression" env:"HTTP_COMPRESSION" description:"gzip responses"`
}

// MQTT configures the broker and the topic layout
type MQTT struct {
	Bind            string   `yaml:"bind" env:"MQTT_BIND" description:"plain MQTT listen address, empty disables"`
	BindTLS         string   `yaml:"bind_tls" env:"MQTT_BIND_TLS" description:"MQTT over TLS listen address, empty disables"`
	ServerName      string   `yaml:"server_name" env:"MQTT_SERVER_NAME" description:"common name of the server certificate"`
	HostNames       []string `yaml:"host_names" env:"MQTT_HOST_NAMES" description:"DNS names of the server certificate"`
	TopicPrefix     string   `yaml:"topic_prefix" env:"TOPIC_PREFIX" description:"prefix of all device topics"`
	TelemetryTopics []string `yaml:"telemetry_topics" env:"TELEMETRY_TOPICS" description:"extra telemetry topic patterns, + marks the client id"`
}

// Rates configures the adaptive rate limiter
type Rates struct {
	LowerRate           int     `yaml:"lower_rate" env:"RATE_LOWER" description:"messages per minute before probation"`
	HigherRate          int     `yaml:"higher_rate" env:"RATE_HIGHER" description:"messages per minute before disconnect"`
	CongestionThreshold float64 `yaml:"congestion_threshold" env:"RATE_CONGESTION_THRESHOLD" description:"fraction of the capacity at which offenders are shed"`
	Capacity            int     `yaml:"capacity" env:"RATE_CAPACITY" description:"system wide messages per minute, 0 disables shedding"`
}

// Auth configures device authentication
type Auth struct {
	Timeout     time.Duration `yaml:"timeout" env:"AUTH_TIMEOUT" description:"time budget of one authentication"`
	TokenSecret string        `yaml:"token_secret" env:"DEVICE_TOKEN_SECRET" description:"HMAC secret of device tokens, generated and persisted if empty"`
	TokenTTL    time.Duration `yaml:"token_ttl" env:"DEVICE_TOKEN_TTL" description:"lifetime of device tokens"`
	BcryptCost  int           `yaml:"bcrypt_cost" env:"BCRYPT_COST" description:"cost of device password hashes"`
}

// Storage configures the write queues in front of the database
type Storage struct {
	QueueCapacity  int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY" description:"buffered writes per queue"`
	Workers        int           `yaml:"workers" env:"QUEUE_WORKERS" description:"concurrent writers per queue"`
	BatchSize      int           `yaml:"batch_size" env:"QUEUE_BATCH_SIZE" description:"samples per insert"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" env:"QUEUE_ENQUEUE_TIMEOUT" description:"producer stall before storage is reported unavailable"`
}

// Archive configures where replaced certificate authorities are archived
type Archive struct {
	Driver    string `yaml:"driver" env:"ARCHIVE_DRIVER" description:"local, s3, memory or empty"`
	LocalPath string `yaml:"local_path" env:"ARCHIVE_LOCAL_PATH" description:"base folder of the local driver"`
	S3Bucket  string `yaml:"s3_bucket" env:"ARCHIVE_S3_BUCKET" description:"bucket of the s3 driver"`
	S3Region  string `yaml:"s3_region" env:"ARCHIVE_S3_REGION" description:"region of the s3 driver"`
	S3Prefix  string `yaml:"s3_prefix" env:"ARCHIVE_S3_PREFIX" description:"key prefix of the s3 driver"`
	AccessID  string `yaml:"access_id" env:"AWS_ACCESS_KEY_ID" description:"static AWS access key id"`
	AccessKey string `yaml:"access_key" env:"AWS_SECRET_ACCESS_KEY" description:"static AWS secret"`
}

// Kafka configures the event fan-out
type Kafka struct {
	Brokers      []string `yaml:"brokers" env:"KAFKA_BROKERS" description:"kafka brokers, empty disables"`
	SamplesTopic string   `yaml:"samples_topic" env:"KAFKA_SAMPLES_TOPIC" description:"topic for metric samples"`
	ShadowTopic  string   `yaml:"shadow_topic" env:"KAFKA_SHADOW_TOPIC" description:"topic for shadow changes"`
}

// Influx configures the timeseries mirror
type Influx struct {
	URL    string `yaml:"url" env:"INFLUX_URL" description:"influxdb url, empty disables"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN" description:"influxdb token"`
	Org    string `yaml:"org" env:"INFLUX_ORG" description:"influxdb organisation"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET" description:"influxdb bucket"`
}

// SQS configures the queue mirror
type SQS struct {
	QueueURL string `yaml:"queue_url" env:"SQS_QUEUE_URL" description:"sqs queue url, empty disables"`
	Region   string `yaml:"region" env:"SQS_REGION" description:"aws region of the queue"`
}

// Default returns the configuration used when nothing else is set
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTP{
			Bind:        ":8080",
			CORS:        true,
			Compression: true,
		},
		MQTT: MQTT{
			Bind:        ":1883",
			BindTLS:     ":8883",
			ServerName:  "canopy",
			HostNames:   []string{"localhost"},
			TopicPrefix: "things/",
		},
		Rates: Rates{
			LowerRate:           60,
			HigherRate:          6000,
			CongestionThreshold: 0.8,
		},
		Auth: Auth{
			Timeout:    2 * time.Second,
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Storage: Storage{
			QueueCapacity:  4096,
			Workers:        4,
			BatchSize:      100,
			EnqueueTimeout: 2 * time.Second,
		},
		Kafka: Kafka{
			SamplesTopic: "canopy.samples",
			ShadowTopic:  "canopy.shadows",
		},
	}
}

// Load returns the default configuration overlaid by the YAML file at path (if path is
// not empty) and by the environment
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("cannot decode environment: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate checks the values for consistency
func (c *Config) Validate() error {
	if c.Rates.LowerRate <= 0 || c.Rates.HigherRate <= 0 {
		return errors.New("rates must be positive")
	}
	if c.Rates.LowerRate > c.Rates.HigherRate {
		return fmt.Errorf("lower_rate %d exceeds higher_rate %d", c.Rates.LowerRate, c.Rates.HigherRate)
	}
	if c.Rates.CongestionThreshold <= 0 || c.Rates.CongestionThreshold > 1 {
		return fmt.Errorf("congestion_threshold %v must be in (0,1]", c.Rates.CongestionThreshold)
	}
	if c.Auth.Timeout <= 0 {
		return errors.New("auth timeout must be positive")
	}
	return nil
}
