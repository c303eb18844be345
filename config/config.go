// Package config holds the relay's environment-driven settings.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full relay configuration.
type Config struct {
	HTTPAddr string `envconfig:"RELAY_HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"RELAY_LOG_LEVEL" default:"info"`

	ReadBufferSize  int           `envconfig:"RELAY_READ_BUFFER" default:"1024"`
	WriteBufferSize int           `envconfig:"RELAY_WRITE_BUFFER" default:"1024"`
	SendBuffer      int           `envconfig:"RELAY_SEND_BUFFER" default:"256"`
	FanoutQueue     int           `envconfig:"RELAY_FANOUT_QUEUE" default:"256"`
	WriteTimeout    time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" default:"10s"`

	// EchoSender delivers a sender's frame back to its own connection.
	// Off by default: the sender already has its copy from the post
	// response.
	EchoSender bool `envconfig:"RELAY_ECHO_SENDER" default:"false"`

	// DataDir is the Badger message store location. Empty runs the store
	// in memory.
	DataDir string `envconfig:"RELAY_DATA_DIR" default:"./data/messages"`

	// RedisAddr enables the Redis session directory when set. Without it
	// (or when Redis is unreachable) the relay trusts handshake-supplied
	// user ids.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	SessionPrefix string `envconfig:"REDIS_SESSION_PREFIX" default:"angcord:session:"`
}

// Load reads the configuration from the environment, applying defaults
// for anything unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
