// Package config loads runtime settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/snapclassify/internal/acquire"
	"github.com/example/snapclassify/internal/preprocess"
)

// Classifier backends.
const (
	BackendONNX   = "onnx"
	BackendGRPC   = "grpc"
	BackendStatic = "static"
)

// Config captures every knob the server reads at startup.
type Config struct {
	Addr            string        `yaml:"addr"`
	ImageSize       int           `yaml:"image_size"`
	Backend         string        `yaml:"backend"`
	ModelPath       string        `yaml:"model_path"`
	ONNXLibrary     string        `yaml:"onnx_library"`
	ModelInput      string        `yaml:"model_input"`
	ModelOutput     string        `yaml:"model_output"`
	RuntimeAddr     string        `yaml:"runtime_addr"`
	StaticVector    []float32     `yaml:"static_vector"`
	DatabaseDSN     string        `yaml:"database_dsn"`
	RedisAddr       string        `yaml:"redis_addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTAudience     string        `yaml:"jwt_audience"`
	ThumbnailEdge   int           `yaml:"thumbnail_edge"`
	MaxPixels       int           `yaml:"max_pixels"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		ImageSize:       preprocess.DefaultSize,
		Backend:         BackendONNX,
		ModelPath:       "models/model.onnx",
		ModelInput:      "input",
		ModelOutput:     "output",
		ThumbnailEdge:   320,
		MaxPixels:       acquire.DefaultMaxPixels,
		ResultTTL:       5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then individual environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("ADDR", c.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	c.Backend = getEnv("CLASSIFIER_BACKEND", c.Backend)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.ONNXLibrary = getEnv("ONNXRUNTIME_LIB", c.ONNXLibrary)
	c.ModelInput = getEnv("MODEL_INPUT", c.ModelInput)
	c.ModelOutput = getEnv("MODEL_OUTPUT", c.ModelOutput)
	c.RuntimeAddr = getEnv("MODEL_RUNTIME_ADDR", c.RuntimeAddr)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTAudience = getEnv("JWT_AUDIENCE", c.JWTAudience)

	var err error
	if c.ImageSize, err = getEnvInt("IMAGE_SIZE", c.ImageSize); err != nil {
		return err
	}
	if c.ThumbnailEdge, err = getEnvInt("THUMBNAIL_EDGE", c.ThumbnailEdge); err != nil {
		return err
	}
	if c.MaxPixels, err = getEnvInt("MAX_PIXELS", c.MaxPixels); err != nil {
		return err
	}
	if c.ResultTTL, err = getEnvDuration("RESULT_TTL", c.ResultTTL); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if raw := os.Getenv("STATIC_VECTOR"); raw != "" {
		vec, err := parseVector(raw)
		if err != nil {
			return fmt.Errorf("STATIC_VECTOR: %w", err)
		}
		c.StaticVector = vec
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	if c.ImageSize <= 0 {
		return errors.New("image_size must be positive")
	}
	if c.MaxPixels < c.ImageSize*c.ImageSize {
		return errors.New("max_pixels must cover at least one image_size square")
	}
	switch c.Backend {
	case BackendONNX:
		if c.ModelPath == "" {
			return errors.New("model_path is required for the onnx backend")
		}
	case BackendGRPC:
		if c.RuntimeAddr == "" {
			return errors.New("runtime_addr is required for the grpc backend")
		}
	case BackendStatic:
		if len(c.StaticVector) == 0 {
			return errors.New("static_vector is required for the static backend")
		}
	default:
		return fmt.Errorf("unknown classifier backend %q", c.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseVector(raw string) ([]float32, error) {
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}
