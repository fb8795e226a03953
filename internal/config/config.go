// config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dpsim-api/internal/domain"

	"github.com/spf13/viper"
)

const (
	StoreRedis     = "redis"
	StoreRethinkDB = "rethinkdb"
	StoreSQLite    = "sqlite"

	DispatchAMQP  = "amqp"
	DispatchRedis = "redis"
	DispatchNATS  = "nats"
)

type Config struct {
	// Server
	ServerPort     string        `mapstructure:"server_port"`
	HealthPort     string        `mapstructure:"health_port"`
	MetricsPort    string        `mapstructure:"metrics_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Record store
	StoreBackend  string `mapstructure:"store_backend"`
	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	CounterKey    string `mapstructure:"counter_key"`
	RethinkDBURL  string `mapstructure:"rethinkdb_url"`
	DBName        string `mapstructure:"db_name"`
	TableName     string `mapstructure:"table_name"`
	CounterTable  string `mapstructure:"counter_table"`
	SQLitePath    string `mapstructure:"sqlite_path"`

	// Content registry
	FileServiceURL     string        `mapstructure:"file_service_url"`
	FileServiceTimeout time.Duration `mapstructure:"file_service_timeout"`

	// Dispatch
	DispatchBackend string `mapstructure:"dispatch_backend"`
	AMQPAddr        string `mapstructure:"amqp_addr"`
	AMQPQueue       string `mapstructure:"amqp_queue"`
	AMQPConfirm     bool   `mapstructure:"amqp_confirm"`
	StreamName      string `mapstructure:"redis_stream"`
	ConsumerGroup   string `mapstructure:"redis_consumer_group"`
	NATSURL         string `mapstructure:"nats_url"`
	NATSStream      string `mapstructure:"nats_stream"`
	NATSSubject     string `mapstructure:"nats_subject"`

	Execution domain.ExecutionProfile `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	profile := domain.DefaultExecutionProfile()

	v.SetDefault("server_port", ":8000")
	v.SetDefault("health_port", ":8001")
	v.SetDefault("metrics_port", ":9090")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store_backend", StoreRedis)
	v.SetDefault("redis_url", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("counter_key", "simulation_id")
	v.SetDefault("rethinkdb_url", "127.0.0.1:28015")
	v.SetDefault("db_name", "dpsim")
	v.SetDefault("table_name", "simulations")
	v.SetDefault("counter_table", "counters")
	v.SetDefault("sqlite_path", "dpsim.db")

	v.SetDefault("file_service_url", "http://sogno-file-service:8080/api")
	v.SetDefault("file_service_timeout", 10*time.Second)

	v.SetDefault("dispatch_backend", DispatchAMQP)
	v.SetDefault("amqp_addr", "amqp://rabbitmq:5672/%2f")
	v.SetDefault("amqp_queue", "hello")
	v.SetDefault("amqp_confirm", false)
	v.SetDefault("redis_stream", "dpsim-work-orders")
	v.SetDefault("redis_consumer_group", "dpsim-workers")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_stream", "DPSIM")
	v.SetDefault("nats_subject", "dpsim.work-orders")

	v.SetDefault("executable", profile.Executable)
	v.SetDefault("execution_name", profile.Name)
	v.SetDefault("execution_timestep", profile.Timestep)
	v.SetDefault("execution_duration", profile.Duration)
}

// Load reads defaults, then the config file (path, or config.yaml in the usual
// places when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dpsim-api/")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("redis_url is required for the redis store")
		}
	case StoreRethinkDB:
		if c.RethinkDBURL == "" || c.DBName == "" || c.TableName == "" {
			return errors.New("rethinkdb_url, db_name and table_name are required for the rethinkdb store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}

	switch c.DispatchBackend {
	case DispatchAMQP:
		if c.AMQPAddr == "" || c.AMQPQueue == "" {
			return errors.New("amqp_addr and amqp_queue are required for amqp dispatch")
		}
	case DispatchRedis:
		if c.RedisURL == "" || c.StreamName == "" {
			return errors.New("redis_url and redis_stream are required for redis dispatch")
		}
	case DispatchNATS:
		if c.NATSURL == "" || c.NATSStream == "" || c.NATSSubject == "" {
			return errors.New("nats_url, nats_stream and nats_subject are required for nats dispatch")
		}
	default:
		return fmt.Errorf("unknown dispatch_backend %q", c.DispatchBackend)
	}

	if c.FileServiceURL == "" {
		return errors.New("file_service_url is required")
	}
	if c.Execution.Executable == "" {
		return errors.New("executable is required")
	}
	if c.Execution.Timestep <= 0 || c.Execution.Duration <= 0 {
		return errors.New("execution_timestep and execution_duration must be positive")
	}

	return nil
}
