package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modos de cluster.
const (
	ClusterOff      = "off"
	ClusterRedis    = "redis"
	ClusterPostgres = "postgres"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Cluster struct {
		// off | redis | postgres
		Mode        string `yaml:"mode"`
		NodeID      string `yaml:"node_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"cluster"`

	Bus struct {
		CommitDelay     time.Duration `yaml:"commit_delay"`
		ReplyTimeout    time.Duration `yaml:"reply_timeout"`
		WaitForeverCap  time.Duration `yaml:"wait_forever_cap"`
		InterNodeMargin time.Duration `yaml:"inter_node_margin"`
		DispatchBuffer  int           `yaml:"dispatch_buffer"`
		HandlerWorkers  int           `yaml:"handler_workers"`
	} `yaml:"bus"`

	Tasks struct {
		Workers        int           `yaml:"workers"`
		DefaultTimeout time.Duration `yaml:"default_timeout"`
	} `yaml:"tasks"`

	Redis struct {
		Addr     string `yaml:"addr"`
		DB       int    `yaml:"db"`
		Password string `yaml:"password"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Rate struct {
		// LaunchMax lanzamientos por cliente y ventana; 0 = sin límite.
		LaunchMax    int           `yaml:"launch_max"`
		LaunchWindow time.Duration `yaml:"launch_window"`
	} `yaml:"rate"`

	Cache struct {
		// memory | redis
		Kind       string        `yaml:"kind"`
		DefaultTTL time.Duration `yaml:"default_ttl"`
	} `yaml:"cache"`
}

// Load lee el YAML (si path existe), aplica defaults y overrides de entorno
// y valida. Un path vacío o inexistente arranca solo con defaults + env.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyDefaults completa lo que no vino ni en YAML ni en env.
func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Cluster.Mode == "" {
		c.Cluster.Mode = ClusterOff
	}
	if c.Cluster.NodeID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.Cluster.NodeID = h
		} else {
			c.Cluster.NodeID = "node-" + strconv.Itoa(os.Getpid())
		}
	}
	if c.Cluster.TopicPrefix == "" {
		c.Cluster.TopicPrefix = "nodebus"
	}
	if c.Bus.CommitDelay == 0 {
		c.Bus.CommitDelay = 2 * time.Second
	}
	if c.Bus.ReplyTimeout == 0 {
		c.Bus.ReplyTimeout = 10 * time.Second
	}
	if c.Bus.WaitForeverCap == 0 {
		c.Bus.WaitForeverCap = 10 * time.Minute
	}
	if c.Bus.InterNodeMargin == 0 {
		c.Bus.InterNodeMargin = 2 * time.Second
	}
	if c.Bus.DispatchBuffer == 0 {
		c.Bus.DispatchBuffer = 1024
	}
	if c.Bus.HandlerWorkers == 0 {
		c.Bus.HandlerWorkers = 16
	}
	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = 8
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "nodebus"
	}
	if c.Rate.LaunchWindow == 0 {
		c.Rate.LaunchWindow = time.Minute
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 10 * time.Minute
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP / LOG
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// CLUSTER
	if v, ok := getEnvStr("CLUSTER_MODE"); ok {
		c.Cluster.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("NODE_ID"); ok {
		c.Cluster.NodeID = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("CLUSTER_TOPIC_PREFIX"); ok {
		c.Cluster.TopicPrefix = v
	}

	// BUS
	if v, ok := getEnvDur("BUS_COMMIT_DELAY"); ok {
		c.Bus.CommitDelay = v
	}
	if v, ok := getEnvDur("BUS_REPLY_TIMEOUT"); ok {
		c.Bus.ReplyTimeout = v
	}
	if v, ok := getEnvDur("BUS_WAIT_FOREVER_CAP"); ok {
		c.Bus.WaitForeverCap = v
	}
	if v, ok := getEnvDur("BUS_INTER_NODE_MARGIN"); ok {
		c.Bus.InterNodeMargin = v
	}
	if v, ok := getEnvInt("BUS_DISPATCH_BUFFER"); ok {
		c.Bus.DispatchBuffer = v
	}
	if v, ok := getEnvInt("BUS_HANDLER_WORKERS"); ok {
		c.Bus.HandlerWorkers = v
	}

	// TASKS
	if v, ok := getEnvInt("TASKS_WORKERS"); ok {
		c.Tasks.Workers = v
	}
	if v, ok := getEnvDur("TASKS_DEFAULT_TIMEOUT"); ok {
		c.Tasks.DefaultTimeout = v
	}

	// REDIS
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Redis.Prefix = v
	}

	// POSTGRES
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Postgres.DSN = v
	}

	// RATE
	if v, ok := getEnvInt("RATE_LAUNCH_MAX"); ok {
		c.Rate.LaunchMax = v
	}
	if v, ok := getEnvDur("RATE_LAUNCH_WINDOW"); ok {
		c.Rate.LaunchWindow = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvDur("CACHE_DEFAULT_TTL"); ok {
		c.Cache.DefaultTTL = v
	}
}

// Validate revisa combinaciones que no tienen sentido.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cluster.Mode {
	case ClusterOff:
	case ClusterRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("cluster.mode=redis requires redis.addr"))
		}
	case ClusterPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("cluster.mode=postgres requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cluster.mode %q", c.Cluster.Mode))
	}
	if c.Bus.WaitForeverCap <= 0 {
		errs = append(errs, errors.New("bus.wait_forever_cap must be > 0"))
	}
	if c.Bus.ReplyTimeout > c.Bus.WaitForeverCap {
		errs = append(errs, errors.New("bus.reply_timeout must not exceed bus.wait_forever_cap"))
	}
	if c.Bus.InterNodeMargin < 0 || c.Bus.CommitDelay < 0 {
		errs = append(errs, errors.New("bus delays must be >= 0"))
	}
	if c.Rate.LaunchMax < 0 || c.Rate.LaunchWindow <= 0 {
		errs = append(errs, errors.New("rate.launch_max must be >= 0 and rate.launch_window > 0"))
	}
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.kind=redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.kind %q", c.Cache.Kind))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Clustered indica si el nodo habla con otros.
func (c *Config) Clustered() bool { return c.Cluster.Mode != ClusterOff }
