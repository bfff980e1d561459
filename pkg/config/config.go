// Package config binds command-line flags, ROOMLINK_* environment variables and
// an optional YAML file into the settings of every component.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/roomlink/pkg/eventbus"
	"github.com/go-go-golems/roomlink/pkg/logging"
	"github.com/go-go-golems/roomlink/pkg/storage"
	"github.com/go-go-golems/roomlink/pkg/telemetry"
	"github.com/go-go-golems/roomlink/pkg/transport"
)

const EnvPrefix = "ROOMLINK"

type Config struct {
	Token       string
	MetricsAddr string
	Transport   transport.Settings
	Storage     storage.Settings
	Telemetry   telemetry.Settings
	Redis       eventbus.Settings
	Logging     logging.Settings
}

// AddFlags registers every key on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	td := transport.DefaultSettings()
	fs.String("config", "", "YAML config file")
	fs.String("ws-url", "ws://localhost:8888/ws", "WebSocket endpoint of the chat server")
	fs.String("token", "", "Session token used to authenticate the connection")
	fs.String("storage-driver", storage.DriverSQLite, "Local storage driver (sqlite|kv)")
	fs.String("storage-path", "roomlink.db", "sqlite file or kv directory; empty kv path keeps data in memory")
	fs.Int("queue-size", td.QueueSize, "Outbound envelopes kept while reconnecting (oldest dropped)")
	fs.Duration("backoff-initial", td.BackoffInitial, "First reconnect delay")
	fs.Duration("backoff-max", td.BackoffMax, "Largest reconnect delay")
	fs.Float64("backoff-multiplier", td.BackoffMultiplier, "Reconnect delay growth factor")
	fs.Float64("backoff-jitter", td.BackoffJitter, "Reconnect delay randomization factor (0-1)")
	fs.Duration("dial-timeout", td.DialTimeout, "WebSocket handshake timeout")
	fs.Duration("write-timeout", td.WriteTimeout, "Per-frame write deadline")
	fs.String("telemetry-url", "", "Endpoint receiving error reports (empty disables shipping)")
	fs.Float64("telemetry-rate", 0.2, "Error reports shipped per second")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.Bool("redis-enabled", false, "Use Redis Streams for the event bridge")
	fs.String("redis-addr", "localhost:6379", "Redis address host:port")
	fs.String("redis-group", "roomlink", "Redis consumer group")
	fs.String("redis-consumer", "client-1", "Redis consumer name")
	fs.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	fs.String("log-format", "auto", "Log format (auto|console|json)")
	fs.String("log-file", "", "Write logs to this rotating file")
	fs.Bool("log-caller", false, "Include caller in log lines")
}

// NewViper binds fs and the environment, then reads the config file named by the
// "config" flag when there is one.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	return v, nil
}

func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Token:       v.GetString("token"),
		MetricsAddr: v.GetString("metrics-addr"),
		Transport: transport.Settings{
			URL:               v.GetString("ws-url"),
			QueueSize:         v.GetInt("queue-size"),
			BackoffInitial:    v.GetDuration("backoff-initial"),
			BackoffMax:        v.GetDuration("backoff-max"),
			BackoffMultiplier: v.GetFloat64("backoff-multiplier"),
			BackoffJitter:     v.GetFloat64("backoff-jitter"),
			DialTimeout:       v.GetDuration("dial-timeout"),
			WriteTimeout:      v.GetDuration("write-timeout"),
		},
		Storage: storage.Settings{
			Driver: v.GetString("storage-driver"),
			Path:   v.GetString("storage-path"),
		},
		Telemetry: telemetry.Settings{
			URL:  v.GetString("telemetry-url"),
			Rate: v.GetFloat64("telemetry-rate"),
		},
		Redis: eventbus.Settings{
			Enabled:  v.GetBool("redis-enabled"),
			Addr:     v.GetString("redis-addr"),
			Group:    v.GetString("redis-group"),
			Consumer: v.GetString("redis-consumer"),
		},
		Logging: logging.Settings{
			Level:      v.GetString("log-level"),
			Format:     v.GetString("log-format"),
			File:       v.GetString("log-file"),
			WithCaller: v.GetBool("log-caller"),
		},
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	u := c.Transport.URL
	if u == "" {
		return errors.New("ws-url is required")
	}
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return errors.Errorf("ws-url %q must use ws:// or wss://", u)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverSQLite, storage.DriverKV:
	default:
		return errors.Errorf("storage-driver %q must be %s or %s", c.Storage.Driver, storage.DriverSQLite, storage.DriverKV)
	}
	if strings.EqualFold(c.Storage.Driver, storage.DriverSQLite) && c.Storage.Path == "" {
		return errors.New("storage-path is required for sqlite")
	}
	if c.Transport.BackoffMax > 0 && c.Transport.BackoffInitial > c.Transport.BackoffMax {
		return errors.Errorf("backoff-initial %s exceeds backoff-max %s", c.Transport.BackoffInitial, c.Transport.BackoffMax)
	}
	if c.Transport.BackoffJitter < 0 || c.Transport.BackoffJitter > 1 {
		return errors.Errorf("backoff-jitter %v must be within [0, 1]", c.Transport.BackoffJitter)
	}
	return nil
}
