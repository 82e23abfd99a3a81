// Package config assembles the courier's configuration: defaults,
// overlaid by a YAML file, overlaid by TCA_-prefixed environment
// variables, validated before anything dials out.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/juno-kyojin/testcase-app/pkg/config/filestore"
)

// EnvPrefix is prepended to every environment override, e.g.
// TCA_SSH_PASSWORD.
const EnvPrefix = "TCA_"

// Duration reads "3s"/"500ms" style strings from both YAML and
// environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Connection ConnectionConfig `yaml:"connection" envPrefix:"SSH_"`
	Remote     RemoteConfig     `yaml:"remote" envPrefix:"REMOTE_"`
	Poll       PollConfig       `yaml:"poll" envPrefix:"POLL_"`
	History    HistoryConfig    `yaml:"history" envPrefix:"HISTORY_"`
	Archive    ArchiveConfig    `yaml:"archive" envPrefix:"ARCHIVE_"`
	Events     EventsConfig     `yaml:"events" envPrefix:"EVENTS_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// ConnectionConfig locates and authenticates the device. Password is
// usually supplied as TCA_SSH_PASSWORD rather than written to the
// file; KeyFile, when set, is tried first.
type ConnectionConfig struct {
	Host           string   `yaml:"host" env:"HOST" validate:"required"`
	Port           int      `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	User           string   `yaml:"user" env:"USER" validate:"required"`
	Password       string   `yaml:"password" env:"PASSWORD"`
	KeyFile        string   `yaml:"key_file" env:"KEY_FILE"`
	ConnectTimeout Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" validate:"gt=0"`
	DialAttempts   int      `yaml:"dial_attempts" env:"DIAL_ATTEMPTS" validate:"min=1"`
	DialRetryDelay Duration `yaml:"dial_retry_delay" env:"DIAL_RETRY_DELAY" validate:"gt=0"`
}

// RemoteConfig names the device directories definitions land in and
// results come back from. Both must be absolute POSIX paths.
type RemoteConfig struct {
	ConfigDir string `yaml:"config_dir" env:"CONFIG_DIR" validate:"required,remotepath"`
	ResultDir string `yaml:"result_dir" env:"RESULT_DIR" validate:"required,remotepath"`
}

type PollConfig struct {
	Interval        Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
	MaxAttempts     int      `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"min=1"`
	Backoff         string   `yaml:"backoff" env:"BACKOFF" validate:"oneof=fixed exponential"`
	StabilityDelay  Duration `yaml:"stability_delay" env:"STABILITY_DELAY" validate:"gt=0"`
	MinResultSize   int64    `yaml:"min_result_size" env:"MIN_RESULT_SIZE" validate:"min=1"`
	DownloadRetries int      `yaml:"download_retries" env:"DOWNLOAD_RETRIES" validate:"min=0"`
	SettleDelay     Duration `yaml:"settle_delay" env:"SETTLE_DELAY" validate:"gt=0"`
	NetworkGrace    Duration `yaml:"network_grace" env:"NETWORK_GRACE" validate:"gt=0"`
}

type HistoryConfig struct {
	Backend         string `yaml:"backend" env:"BACKEND" validate:"oneof=sqlite mongo"`
	SQLitePath      string `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Backend sqlite"`
	MongoURI        string `yaml:"mongo_uri" env:"MONGO_URI" validate:"required_if=Backend mongo"`
	MongoDatabase   string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Dir     string `yaml:"dir" env:"DIR" validate:"required_if=Enabled true"`
}

type EventsConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:"," validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" env:"TOPIC" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Debug  bool   `yaml:"debug" env:"DEBUG"`
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=json console"`
}

// Default returns the configuration used when the file and environment
// say nothing.
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			Port:           22,
			ConnectTimeout: Duration(15 * time.Second),
			DialAttempts:   3,
			DialRetryDelay: Duration(2 * time.Second),
		},
		Remote: RemoteConfig{
			ConfigDir: "/root/config",
			ResultDir: "/root/result",
		},
		Poll: PollConfig{
			Interval:        Duration(3 * time.Second),
			MaxAttempts:     40,
			Backoff:         "fixed",
			StabilityDelay:  Duration(500 * time.Millisecond),
			MinResultSize:   10,
			DownloadRetries: 2,
			SettleDelay:     Duration(1 * time.Second),
			NetworkGrace:    Duration(5 * time.Minute),
		},
		History: HistoryConfig{
			Backend:         "sqlite",
			SQLitePath:      "data/history.db",
			MongoDatabase:   "testcase",
			MongoCollection: "history",
		},
		Archive: ArchiveConfig{
			Dir: "data/temp/results",
		},
		Events: EventsConfig{
			Topic: "test-events",
		},
	}
}

// Load builds the effective configuration. An empty path skips the
// file layer; defaults and environment still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := filestore.New(path).Load(&cfg); err != nil {
			return cfg, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration against the rules in the
// struct tags plus the remote-path rule.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("remotepath", validRemotePath); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// validRemotePath accepts absolute POSIX paths. The device runs Linux;
// a relative or Windows-style path here is always a mistake.
func validRemotePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return strings.HasPrefix(p, "/") && !strings.Contains(p, "\\")
}
