// Package config assembles settings for the dashboard binaries from, in
// increasing precedence: built-in defaults, a .env file, an optional YAML
// file, environment variables and command-line flags.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

type Storage struct {
	Driver            string `yaml:"driver"`
	SQLitePath        string `yaml:"sqlite_path"`
	ConnectionString  string `yaml:"connection_string"`
	TablePrefix       string `yaml:"table_prefix"`
	NotificationQueue string `yaml:"notification_queue"`
}

type Redis struct {
	ConnectionString string        `yaml:"connection_string"`
	ChangesChannel   string        `yaml:"changes_channel"`
	ProfileCacheTTL  time.Duration `yaml:"profile_cache_ttl"`
}

type Auth struct {
	Domain   string `yaml:"domain"`
	Audience string `yaml:"audience"`
	// LocalSecret switches to HS256 tokens minted by gen-token.
	LocalSecret string `yaml:"local_secret"`
}

type HTTP struct {
	Listen         string        `yaml:"listen"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	AllowOrigins   []string      `yaml:"allow_origins"`
}

type Worker struct {
	Concurrency       int           `yaml:"concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	IdleWait          time.Duration `yaml:"idle_wait"`
	ReminderCron      string        `yaml:"reminder_cron"`
	ReminderWindow    time.Duration `yaml:"reminder_window"`
}

type Config struct {
	Debug        bool          `yaml:"debug"`
	LogFormat    string        `yaml:"log_format"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Storage      Storage       `yaml:"storage"`
	Redis        Redis         `yaml:"redis"`
	Auth         Auth          `yaml:"auth"`
	HTTP         HTTP          `yaml:"http"`
	Worker       Worker        `yaml:"worker"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		LogFormat:    "text",
		PollInterval: 30 * time.Second,
		Storage: Storage{
			Driver:            DriverSQLite,
			SQLitePath:        "dashboard.db",
			TablePrefix:       "dashboard",
			NotificationQueue: "notification-requests",
		},
		Redis: Redis{
			ChangesChannel:  "dashboard-changes",
			ProfileCacheTTL: 5 * time.Minute,
		},
		HTTP: HTTP{
			Listen:         ":8080",
			IdempotencyTTL: 24 * time.Hour,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			AllowOrigins:   []string{"*"},
		},
		Worker: Worker{
			Concurrency:       8,
			BatchSize:         16,
			VisibilityTimeout: 30 * time.Second,
			IdleWait:          time.Second,
			ReminderCron:      "*/5 * * * *",
			ReminderWindow:    15 * time.Minute,
		},
	}
}

// Load parses args, reads .env and the YAML file named by --config or
// CONFIG_FILE, then applies environment and flag overrides.
func Load(name string, args []string) (*Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.String("config", "", "path to a YAML config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	listen := fs.String("listen", "", "HTTP listen address")
	driver := fs.String("storage", "", "storage driver (sqlite|tables)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("config: .env: %v", err)
	}

	cfg := Default()
	file := *path
	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		if err := cfg.readFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if fs.Changed("debug") {
		cfg.Debug = *debug
	}
	if fs.Changed("listen") {
		cfg.HTTP.Listen = *listen
	}
	if fs.Changed("storage") {
		cfg.Storage.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if dbg, perr := strconv.ParseBool(os.Getenv("DEBUG")); perr == nil {
		c.Debug = dbg
	}
	set(&c.LogFormat, "LOG_FORMAT")
	set(&c.Storage.Driver, "STORAGE_DRIVER")
	set(&c.Storage.SQLitePath, "SQLITE_PATH")
	set(&c.Storage.ConnectionString, "STORAGE_CONNECTION_STRING")
	set(&c.Storage.TablePrefix, "TABLE_PREFIX")
	set(&c.Storage.NotificationQueue, "NOTIFICATION_QUEUE")
	set(&c.Redis.ConnectionString, "REDIS_CONNECTION_STRING")
	set(&c.Redis.ChangesChannel, "CHANGES_CHANNEL")
	set(&c.Auth.Domain, "AUTH0_DOMAIN")
	set(&c.Auth.Audience, "AUTH0_AUDIENCE")
	set(&c.Auth.LocalSecret, "LOCAL_AUTH_SHARED_SECRET")
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		set(&c.Auth.LocalSecret, "TEST_JWT_SECRET")
	}
	set(&c.HTTP.Listen, "LISTEN_ADDR")
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		c.HTTP.Listen = ":" + port
	}
	if v := os.Getenv("ALLOW_ORIGINS"); v != "" {
		c.HTTP.AllowOrigins = splitList(v)
	}
	set(&c.Worker.ReminderCron, "REMINDER_CRON")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.PollInterval, "POLL_INTERVAL"},
		{&c.Redis.ProfileCacheTTL, "PROFILE_CACHE_TTL"},
		{&c.HTTP.IdempotencyTTL, "IDEMPOTENCY_TTL"},
		{&c.Worker.VisibilityTimeout, "WORKER_VISIBILITY_TIMEOUT"},
		{&c.Worker.IdleWait, "WORKER_IDLE_WAIT"},
		{&c.Worker.ReminderWindow, "REMINDER_WINDOW"},
	}
	for _, d := range durations {
		if *d.dst, err = envDur(d.key, *d.dst); err != nil {
			return err
		}
	}
	ints := []struct {
		dst *int
		key string
	}{
		{&c.HTTP.RateLimitBurst, "RATE_LIMIT_BURST"},
		{&c.Worker.Concurrency, "WORKER_CONCURRENCY"},
		{&c.Worker.BatchSize, "WORKER_BATCH_SIZE"},
	}
	for _, i := range ints {
		if *i.dst, err = envInt(i.key, *i.dst); err != nil {
			return err
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, perr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if perr != nil || f < 0 {
			return fmt.Errorf("invalid RATE_LIMIT_RPS: %q", v)
		}
		c.HTTP.RateLimitRPS = f
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("missing sqlite path")
		}
	case DriverTables:
		if c.Storage.ConnectionString == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Worker.BatchSize <= 0 || c.Worker.BatchSize > 32 {
		return errors.New("worker batch size must be between 1 and 32")
	}
	if !gronx.New().IsValid(c.Worker.ReminderCron) {
		return fmt.Errorf("invalid reminder cron %q", c.Worker.ReminderCron)
	}
	return nil
}

// RequireAuth reports whether the API has a way to verify bearer tokens.
func (c *Config) RequireAuth() error {
	if c.Auth.LocalSecret != "" {
		return nil
	}
	if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// UsesQueue reports whether notification requests go through the Azure
// queue rather than straight to the repository.
func (c *Config) UsesQueue() bool {
	return c.Storage.ConnectionString != "" && c.Storage.NotificationQueue != ""
}

// SetupLogging applies the debug flag and log format to the standard logger.
func (c *Config) SetupLogging() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// RedisOptions accepts a redis URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
