// Package config carga la configuración del coordinador: valores por defecto,
// un YAML opcional (TILECAST_CONFIG) y por último variables de entorno.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"tilecast/pkg/types"
)

type Config struct {
	TCPAddr  string `yaml:"tcp_addr"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	// MaxFrame admite tamaños legibles ("64MB"); MaxFrameSize es el valor parseado.
	MaxFrame     string            `yaml:"max_frame_size"`
	MaxFrameSize datasize.ByteSize `yaml:"-"`
	SendQueue    int               `yaml:"send_queue"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Auth      AuthConfig      `yaml:"auth"`
	Job       JobConfig       `yaml:"job"`
}

type SchedulerConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	SafetyFactor     float64       `yaml:"safety_factor"`
	MinDeadline      time.Duration `yaml:"min_deadline"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// RedisConfig: Addr vacío desactiva el espejo.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MongoConfig: URI vacía desactiva los reportes de jobs.
type MongoConfig struct {
	URI           string        `yaml:"uri"`
	Database      string        `yaml:"database"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// AuthConfig: sin JWTSecret los endpoints que mutan quedan abiertos.
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	AdminUser         string        `yaml:"admin_user"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

// JobConfig describe un job a lanzar al arrancar; Input vacío no lanza nada.
type JobConfig struct {
	Input       string        `yaml:"input"`
	Output      string        `yaml:"output"`
	Rows        int           `yaml:"rows"`
	Cols        int           `yaml:"cols"`
	Direction   string        `yaml:"direction"`
	MinWorkers  int           `yaml:"min_workers"`
	WaitWorkers time.Duration `yaml:"wait_workers"`
}

func Default() Config {
	return Config{
		TCPAddr:   ":9000",
		HTTPAddr:  ":80",
		LogLevel:  "info",
		MaxFrame:  "64MB",
		SendQueue: 16,
		Scheduler: SchedulerConfig{
			MaxRetries:       3,
			SafetyFactor:     3,
			MinDeadline:      10 * time.Second,
			SweepInterval:    time.Second,
			LivenessTimeout:  time.Minute,
			HandshakeTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{TTL: 5 * time.Minute},
		Mongo: MongoConfig{
			Database:      "tilecast",
			RetryInterval: 15 * time.Second,
			RetryAttempts: 4,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Job: JobConfig{
			Rows:        4,
			Cols:        4,
			Direction:   "forward",
			MinWorkers:  1,
			WaitWorkers: 30 * time.Second,
		},
	}
}

// Load aplica defaults, el YAML de TILECAST_CONFIG si existe y el entorno.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("TILECAST_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.TCPAddr = getenv("WORKER_TCP_ADDR", c.TCPAddr)
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.MaxFrame = getenv("MAX_FRAME_SIZE", c.MaxFrame)
	c.SendQueue = getint("SEND_QUEUE", c.SendQueue)

	s := &c.Scheduler
	s.MaxRetries = getint("MAX_RETRIES", s.MaxRetries)
	s.SafetyFactor = getfloat("SAFETY_FACTOR", s.SafetyFactor)
	s.MinDeadline = getduration("MIN_DEADLINE", s.MinDeadline)
	s.SweepInterval = getduration("SWEEP_INTERVAL", s.SweepInterval)
	s.LivenessTimeout = getduration("LIVENESS_TIMEOUT", s.LivenessTimeout)
	s.HandshakeTimeout = getduration("HANDSHAKE_TIMEOUT", s.HandshakeTimeout)

	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getint("REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getduration("REDIS_TTL", c.Redis.TTL)

	c.Mongo.URI = strings.TrimSpace(getenv("MONGODB_URI", c.Mongo.URI))
	c.Mongo.Database = getenv("MONGO_DB_NAME", c.Mongo.Database)
	c.Mongo.RetryInterval = getduration("MONGO_RETRY_INTERVAL", c.Mongo.RetryInterval)
	c.Mongo.RetryAttempts = getint("MONGO_MAX_RETRIES", c.Mongo.RetryAttempts)

	c.Auth.JWTSecret = getenv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AdminUser = getenv("ADMIN_USER", c.Auth.AdminUser)
	c.Auth.AdminPasswordHash = getenv("ADMIN_PASSWORD_HASH", c.Auth.AdminPasswordHash)
	c.Auth.TokenTTL = getduration("TOKEN_TTL", c.Auth.TokenTTL)

	c.Job.Input = getenv("JOB_INPUT", c.Job.Input)
	c.Job.Output = getenv("JOB_OUTPUT", c.Job.Output)
	c.Job.Rows = getint("JOB_ROWS", c.Job.Rows)
	c.Job.Cols = getint("JOB_COLS", c.Job.Cols)
	c.Job.Direction = getenv("JOB_DIRECTION", c.Job.Direction)
	c.Job.MinWorkers = getint("JOB_MIN_WORKERS", c.Job.MinWorkers)
	c.Job.WaitWorkers = getduration("JOB_WAIT_WORKERS", c.Job.WaitWorkers)
}

// Validate parsea MaxFrame y revisa los rangos.
func (c *Config) Validate() error {
	size, err := datasize.ParseString(c.MaxFrame)
	if err != nil {
		return fmt.Errorf("config: max_frame_size %q: %w", c.MaxFrame, err)
	}
	if size.Bytes() == 0 || size.Bytes() > math.MaxUint32 {
		return fmt.Errorf("config: max_frame_size %s out of range", size.HumanReadable())
	}
	c.MaxFrameSize = size

	var errs []error
	if c.TCPAddr == "" {
		errs = append(errs, errors.New("tcp_addr is required"))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must be >= 0"))
	}
	if c.Scheduler.SafetyFactor <= 0 {
		errs = append(errs, errors.New("scheduler.safety_factor must be > 0"))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler.sweep_interval must be > 0"))
	}
	if c.SendQueue < 1 {
		errs = append(errs, errors.New("send_queue must be >= 1"))
	}
	if c.Job.Input != "" {
		if c.Job.Rows < 1 || c.Job.Cols < 1 {
			errs = append(errs, errors.New("job.rows and job.cols must be >= 1"))
		}
		if _, err := types.ParseDirection(c.Job.Direction); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// FrameLimit es MaxFrameSize listo para tcp.Framer.
func (c Config) FrameLimit() uint32 { return uint32(c.MaxFrameSize.Bytes()) }

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
