// Package config lee la configuración del worker desde el entorno.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"

	"tilecast/pkg/transform"
)

type Config struct {
	CoordinatorAddr string
	LogLevel        string

	Transform      string
	TransformParam int
	Backend        string
	BackendWorkers int // 0 en parallel: se elige con el benchmark

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	DialRetryInterval time.Duration
	DialAttempts      int

	MaxFrame      string
	MaxFrameSize  datasize.ByteSize
	BenchmarkSize datasize.ByteSize
}

func Default() Config {
	return Config{
		CoordinatorAddr:   "localhost:9000",
		LogLevel:          "info",
		Transform:         "shift",
		TransformParam:    transform.DefaultShift,
		Backend:           "parallel",
		HeartbeatInterval: 5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		DialRetryInterval: 3 * time.Second,
		DialAttempts:      10,
		MaxFrame:          "64MB",
		BenchmarkSize:     4 * datasize.MB,
	}
}

func Load() (Config, error) {
	c := Default()
	c.CoordinatorAddr = getenv("COORDINATOR_ADDR", c.CoordinatorAddr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.Transform = getenv("TRANSFORM", c.Transform)
	c.TransformParam = getint("TRANSFORM_PARAM", c.TransformParam)
	c.Backend = getenv("BACKEND", c.Backend)
	c.BackendWorkers = getint("BACKEND_WORKERS", c.BackendWorkers)
	c.HeartbeatInterval = getduration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HandshakeTimeout = getduration("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.DialRetryInterval = getduration("DIAL_RETRY_INTERVAL", c.DialRetryInterval)
	c.DialAttempts = getint("DIAL_ATTEMPTS", c.DialAttempts)
	c.MaxFrame = getenv("MAX_FRAME_SIZE", c.MaxFrame)

	var errs []error
	size, err := datasize.ParseString(c.MaxFrame)
	if err != nil {
		errs = append(errs, fmt.Errorf("MAX_FRAME_SIZE %q: %w", c.MaxFrame, err))
	} else if size.Bytes() == 0 || size.Bytes() > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("MAX_FRAME_SIZE %s out of range", size.HumanReadable()))
	}
	c.MaxFrameSize = size

	if v := os.Getenv("BENCHMARK_SIZE"); v != "" {
		if err := c.BenchmarkSize.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("BENCHMARK_SIZE %q: %w", v, err))
		}
	}
	if c.CoordinatorAddr == "" {
		errs = append(errs, errors.New("COORDINATOR_ADDR is required"))
	}
	if c.TransformParam < 0 || c.TransformParam > 255 {
		errs = append(errs, fmt.Errorf("TRANSFORM_PARAM %d must fit in a byte", c.TransformParam))
	}
	if c.BackendWorkers < 0 {
		errs = append(errs, errors.New("BACKEND_WORKERS must be >= 0"))
	}
	if c.DialAttempts < 1 {
		errs = append(errs, errors.New("DIAL_ATTEMPTS must be >= 1"))
	}
	if len(errs) > 0 {
		return c, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return c, nil
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

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
