// Package config loads process configuration from the environment: read
// each variable, fall back to a default when it is unset, and fail fast
// with a named error when a port value is not a valid integer or the
// port range is inverted.
package config

import (
	"fmt"
	"os"
	"strconv"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds every environment variable §6 names.
type Config struct {
	Port              int
	MinPort           int
	MaxPort           int
	DefaultHostname   string
	DBPath            string
	DockerSocketPath  string
	VLLMImage         string
	LogLevel          string
	DefaultAPIKey     string
	FrontendURL       string
	HuggingFaceToken  string
}

// Load reads and validates the environment. No variable is required:
// every unset one falls back to a default. A non-integer MIN_PORT or
// MAX_PORT, or MAX_PORT below MIN_PORT, produces a descriptive error; a
// non-integer PORT silently falls back to 8080.
func Load() (*Config, error) {
	c := &Config{
		Port:             envInt("PORT", 8080),
		DefaultHostname:  envOr("DEFAULT_HOSTNAME", "0.0.0.0"),
		DBPath:           envOr("DB_PATH", "./data/control.db"),
		DockerSocketPath: envOr("DOCKER_SOCKET_PATH", "/var/run/docker.sock"),
		VLLMImage:        envOr("VLLM_IMAGE", "vllm/vllm-openai:latest"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		DefaultAPIKey:    os.Getenv("DEFAULT_API_KEY"),
		FrontendURL:      os.Getenv("FRONTEND_URL"),
		HuggingFaceToken: os.Getenv("HUGGING_FACE_HUB_TOKEN"),
	}

	minPort, err := envIntErr("MIN_PORT", 8001)
	if err != nil {
		return nil, err
	}
	maxPort, err := envIntErr("MAX_PORT", 8999)
	if err != nil {
		return nil, err
	}
	if maxPort < minPort {
		return nil, fmt.Errorf("MAX_PORT (%d) must be >= MIN_PORT (%d)", maxPort, minPort)
	}
	c.MinPort = minPort
	c.MaxPort = maxPort

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := envIntErr(key, fallback)
	if err != nil {
		return fallback
	}
	return v
}

func envIntErr(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}
